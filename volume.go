package volumekit

import (
	"os"
	"time"
)

// Kind identifies the backend family of a volume.
type Kind string

const (
	KindLocal Kind = "local"
	KindFTP   Kind = "ftp"
	KindCloud Kind = "cloud"
)

// EngineDriver returns the connector driver name the file-manager engine
// expects for the kind.
func (k Kind) EngineDriver() string {
	switch k {
	case KindLocal:
		return "LocalFileSystem"
	case KindFTP:
		return "FTP"
	case KindCloud:
		return "FlysystemExt"
	default:
		return string(k)
	}
}

// Volume is one storage root exposed to the file-manager engine. The
// concrete type is one of *LocalVolume, *FTPVolume or *CloudVolume.
type Volume interface {
	Kind() Kind
	Info() *VolumeInfo
	Backend() Backend
}

// VolumeInfo holds the attributes every volume kind shares.
type VolumeInfo struct {
	// Alias is the display name of the root. Empty lets the engine choose.
	Alias string `json:"alias,omitempty"`
	// CSSClass is a UI hint for the navbar icon.
	CSSClass string `json:"rootCssClass,omitempty"`

	backend Backend
}

// Info returns the shared attributes.
func (v *VolumeInfo) Info() *VolumeInfo { return v }

// Backend returns the storage backend serving the volume, or nil when no
// driver is attached.
func (v *VolumeInfo) Backend() Backend { return v.backend }

// Attach sets the backend serving the volume.
func (v *VolumeInfo) Attach(b Backend) { v.backend = b }

// LocalVolume is a directory on the local filesystem.
type LocalVolume struct {
	VolumeInfo
	// Home marks the default root. Exactly one local volume carries it.
	Home   bool         `json:"home"`
	Path   string       `json:"path"`
	URL    string       `json:"URL"`
	Access AccessPolicy `json:"-"`
}

// Kind implements Volume.
func (*LocalVolume) Kind() Kind { return KindLocal }

// FTPVolume is a directory on an FTP server.
type FTPVolume struct {
	VolumeInfo
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	User     string        `json:"user"`
	Password string        `json:"-"`
	Path     string        `json:"path"`
	Timeout  time.Duration `json:"timeout"`
	Passive  bool          `json:"passive"`
	Owner    bool          `json:"owner"`
	DirMode  os.FileMode   `json:"dirMode"`
	FileMode os.FileMode   `json:"fileMode"`
}

// Kind implements Volume.
func (*FTPVolume) Kind() Kind { return KindFTP }

// CloudVolume is a cloud drive reached through an opaque backend, usually
// wrapped in a CachingBackend.
type CloudVolume struct {
	VolumeInfo
	// Cache is the metadata store, nil when caching is disabled.
	Cache     KeyValueStore `json:"-"`
	Separator string        `json:"separator"`
}

// Kind implements Volume.
func (*CloudVolume) Kind() Kind { return KindCloud }

var (
	_ Volume = (*LocalVolume)(nil)
	_ Volume = (*FTPVolume)(nil)
	_ Volume = (*CloudVolume)(nil)
)
