// Package volumekit builds the storage roots ("volumes") a web file manager
// such as elFinder works on, and provides the pieces around them: a backend
// abstraction, a metadata cache, and per-path access policies.
//
// The package follows interface segregation: [FileReader] covers metadata and
// content reads, [FileWriter] covers mutations, and [Backend] combines both.
//
// # Volume Kinds
//
// Three kinds of volumes exist, each served by a driver package that
// registers itself on import:
//
//   - Local filesystem (github.com/gobeaver/volumekit/driver/local)
//   - FTP (github.com/gobeaver/volumekit/driver/ftp)
//   - Google Drive (github.com/gobeaver/volumekit/driver/gdrive)
//
// # Building Roots
//
//	import (
//	    _ "github.com/gobeaver/volumekit/driver/ftp"
//	    _ "github.com/gobeaver/volumekit/driver/local"
//	)
//
//	roots, err := volumekit.Build(ctx, volumekit.BuilderConfig{
//	    UploadPath: "/srv/www/uploads/",
//	    UploadURL:  "/uploads/",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, v := range roots.Volumes {
//	    fmt.Println(v.Kind(), volumekit.MountName(v))
//	}
//
// The local volume always comes first and is the home root. The FTP volume
// follows. A Google Drive volume is appended only when the client ID,
// client secret and refresh token are all configured; setting only some of
// them is a configuration error. A drive that cannot be reached is left out
// and reported in [Roots.Warnings]. A drive kept without its cache, because
// caching is on but no store was given, is reported in [Roots.Notices].
//
// # Access Policy
//
// [DotfilePolicy] hides and locks every name starting with a dot. Answers are
// tri-state so the engine keeps its own default where no rule applies:
//
//	d := volumekit.DotfilePolicy.Evaluate(volumekit.AttrRead, "/docs/.env")
//	allowed, decided := d.Bool() // false, true
//
// # Metadata Cache
//
// [WrapCached] decorates a backend with a TTL bound metadata cache kept in a
// [KeyValueStore]. Writes invalidate the affected entries before they reach
// the backend:
//
//	store, _ := filestore.New("flycache")
//	cached := volumekit.WrapCached(drive, 5*time.Minute, store)
//
// # Error Handling
//
// Backend errors are wrapped in [PathError] and match sentinel errors:
//
//	_, err := backend.Read(ctx, "missing.txt")
//	if volumekit.IsNotExist(err) {
//	    // File does not exist
//	}
//	if volumekit.IsUnavailable(err) {
//	    // Network failure or timeout
//	}
//
// # Configuration
//
// [GetConfig] reads VOLUMEKIT_* environment variables; [Config.BuilderConfig]
// turns them into the explicit [BuilderConfig] consumed by [Build].
package volumekit
