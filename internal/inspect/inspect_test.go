package inspect

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gobeaver/volumekit"
	"github.com/gobeaver/volumekit/driver/local"
)

func newTestEngine(t *testing.T) (volumekit.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "report.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".htaccess"), []byte("deny"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "docs"), 0755); err != nil {
		t.Fatal(err)
	}

	adapter, err := local.New(dir)
	if err != nil {
		t.Fatalf("local.New() error = %v", err)
	}
	home := &volumekit.LocalVolume{Home: true, Path: dir, Access: volumekit.DotfilePolicy}
	home.Attach(adapter)
	ftp := &volumekit.FTPVolume{Host: "localhost", Port: 21, Path: "/"}

	engine, err := New(volumekit.EngineOptions{
		Volumes:    []volumekit.Volume{home, ftp},
		Access:     volumekit.DotfilePolicy,
		NetDrivers: map[string]string{"ftp": "FTP"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return engine, dir
}

func run(t *testing.T, e volumekit.Engine, query string) (*Response, error) {
	t.Helper()
	out, err := e.Run(context.Background(), httptest.NewRequest("GET", "/connector?"+query, nil))
	if err != nil {
		return nil, err
	}
	resp, ok := out.(*Response)
	if !ok {
		t.Fatalf("Run() returned %T, want *Response", out)
	}
	return resp, nil
}

func TestEngine_Roots(t *testing.T) {
	e, _ := newTestEngine(t)

	resp, err := run(t, e, "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Cmd != CmdRoots {
		t.Errorf("Cmd = %q, want %q", resp.Cmd, CmdRoots)
	}
	if len(resp.Volumes) != 2 {
		t.Fatalf("got %d volumes, want 2", len(resp.Volumes))
	}

	home := resp.Volumes[0]
	if home.Name != "Local" || !home.Home || !home.Mounted || home.Driver != "LocalFileSystem" {
		t.Errorf("home volume = %+v", home)
	}
	ftp := resp.Volumes[1]
	if ftp.Name != "FTP" || ftp.Mounted || ftp.Driver != "FTP" {
		t.Errorf("ftp volume = %+v", ftp)
	}
	if resp.NetDrivers["ftp"] != "FTP" {
		t.Errorf("NetDrivers = %v", resp.NetDrivers)
	}
}

func TestEngine_List(t *testing.T) {
	e, _ := newTestEngine(t)

	t.Run("virtual root", func(t *testing.T) {
		resp, err := run(t, e, "cmd=ls&target=/")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(resp.Files) != 1 || resp.Files[0].Path != "/Local" {
			t.Errorf("Files = %+v, want only /Local", resp.Files)
		}
	})

	t.Run("hides dotfiles", func(t *testing.T) {
		resp, err := run(t, e, "cmd=ls&target=/Local")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		var names []string
		for _, f := range resp.Files {
			names = append(names, f.Name)
			if f.Name == ".htaccess" {
				t.Error(".htaccess should be hidden")
			}
		}
		if len(names) != 2 || names[0] != "docs" || names[1] != "report.txt" {
			t.Errorf("names = %v, want [docs report.txt]", names)
		}
		for _, f := range resp.Files {
			if !f.Read || !f.Write || f.Locked {
				t.Errorf("%s attributes = read %v write %v locked %v", f.Name, f.Read, f.Write, f.Locked)
			}
		}
	})

	t.Run("hidden target", func(t *testing.T) {
		_, err := run(t, e, "cmd=ls&target=/Local/.git")
		if !volumekit.IsNotExist(err) {
			t.Errorf("error = %v, want not exist", err)
		}
	})
}

func TestEngine_HiddenAncestor(t *testing.T) {
	e, dir := newTestEngine(t)
	if err := os.MkdirAll(filepath.Join(dir, ".git", "objects"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("[core]"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []string{
		"cmd=ls&target=/Local/.git/objects",
		"cmd=info&target=/Local/.git/config",
		"cmd=info&target=/Local/.git/objects/../config",
	}
	for _, query := range tests {
		t.Run(query, func(t *testing.T) {
			if _, err := run(t, e, query); !volumekit.IsNotExist(err) {
				t.Errorf("error = %v, want not exist", err)
			}
		})
	}

	if _, err := run(t, e, "cmd=ls&target=/Local/docs"); err != nil {
		t.Errorf("visible directory error = %v", err)
	}
}

func TestEngine_Info(t *testing.T) {
	e, _ := newTestEngine(t)

	resp, err := run(t, e, "cmd=info&target=/Local/report.txt")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.File == nil || resp.File.Size != 5 || resp.File.IsDir {
		t.Errorf("File = %+v, want 5 byte file", resp.File)
	}

	_, err = run(t, e, "cmd=info&target=/Local/missing.txt")
	if !volumekit.IsNotExist(err) {
		t.Errorf("missing error = %v, want not exist", err)
	}
}

func TestEngine_UnknownCommand(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := run(t, e, "cmd=rm&target=/Local/report.txt")
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("error = %v, want ErrUnknownCommand", err)
	}
}
