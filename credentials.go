package volumekit

// Credentials holds the OAuth fields needed to reach the cloud drive.
// Either all three are set or none are; a zero value disables the cloud
// volume.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// credentialsSection names the config block in error messages.
const credentialsSection = "googleDrive"

// IsZero reports whether no credential field is set.
func (c Credentials) IsZero() bool {
	return c.ClientID == "" && c.ClientSecret == "" && c.RefreshToken == ""
}

// Validate checks clientID, clientSecret and refreshToken in that order and
// returns a *MissingFieldError for the first empty one.
func (c Credentials) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"clientID", c.ClientID},
		{"clientSecret", c.ClientSecret},
		{"refreshToken", c.RefreshToken},
	}
	for _, f := range fields {
		if f.value == "" {
			return &MissingFieldError{Section: credentialsSection, Field: f.name}
		}
	}
	return nil
}
