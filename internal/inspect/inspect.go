// Package inspect is a small read-only engine that lists the configured
// volumes and browses them through a mount table. It stands in for a full
// file-manager engine in the bundled server.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gobeaver/volumekit"
)

// ErrUnknownCommand is returned for a cmd the engine does not serve.
var ErrUnknownCommand = errors.New("unknown command")

// Commands served by the engine.
const (
	CmdRoots = "roots"
	CmdList  = "ls"
	CmdInfo  = "info"
)

// VolumeSummary describes one volume root.
type VolumeSummary struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Driver   string `json:"driver"`
	Home     bool   `json:"home,omitempty"`
	CSSClass string `json:"cssClass,omitempty"`
	Mounted  bool   `json:"mounted"`
}

// Entry is a file with the attributes the access policy resolves.
type Entry struct {
	volumekit.FileInfo
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Locked bool `json:"locked"`
}

// Response is the engine's answer for every command.
type Response struct {
	Cmd        string            `json:"cmd"`
	Debug      bool              `json:"debug,omitempty"`
	Volumes    []VolumeSummary   `json:"volumes,omitempty"`
	NetDrivers map[string]string `json:"netDrivers,omitempty"`
	Target     string            `json:"target,omitempty"`
	Files      []Entry           `json:"files,omitempty"`
	File       *Entry            `json:"file,omitempty"`
}

// Engine implements volumekit.Engine.
type Engine struct {
	opts   volumekit.EngineOptions
	mounts *volumekit.MountTable
}

// New creates an engine over opts. It matches volumekit.EngineFactory.
func New(opts volumekit.EngineOptions) (volumekit.Engine, error) {
	mounts, err := volumekit.MountVolumes(opts.Volumes)
	if err != nil {
		return nil, fmt.Errorf("mount volumes: %w", err)
	}
	return &Engine{opts: opts, mounts: mounts}, nil
}

// Run serves the cmd query parameter. Without one it lists the roots.
func (e *Engine) Run(ctx context.Context, r *http.Request) (any, error) {
	q := r.URL.Query()
	cmd := q.Get("cmd")
	if cmd == "" {
		cmd = CmdRoots
	}

	switch cmd {
	case CmdRoots:
		return e.roots(), nil
	case CmdList:
		return e.list(ctx, q.Get("target"))
	case CmdInfo:
		return e.info(ctx, q.Get("target"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func (e *Engine) roots() *Response {
	mounted := make(map[string]bool)
	for _, p := range e.mounts.MountPaths() {
		mounted[p] = true
	}

	resp := &Response{
		Cmd:        CmdRoots,
		Debug:      e.opts.Debug,
		NetDrivers: e.opts.NetDrivers,
	}
	for _, v := range e.opts.Volumes {
		name := volumekit.MountName(v)
		summary := VolumeSummary{
			Name:     name,
			Kind:     string(v.Kind()),
			Driver:   v.Kind().EngineDriver(),
			CSSClass: v.Info().CSSClass,
			Mounted:  mounted["/"+name],
		}
		if local, ok := v.(*volumekit.LocalVolume); ok {
			summary.Home = local.Home
		}
		resp.Volumes = append(resp.Volumes, summary)
	}
	return resp
}

func (e *Engine) list(ctx context.Context, target string) (*Response, error) {
	target = volumekit.CleanPath(target)
	if !volumekit.Reachable(e.opts.Access, target) {
		return nil, volumekit.NewPathError("ls", target, volumekit.ErrNotExist)
	}

	files, err := e.mounts.List(ctx, target)
	if err != nil {
		return nil, err
	}

	resp := &Response{Cmd: CmdList, Target: target, Files: make([]Entry, 0, len(files))}
	for _, f := range files {
		if !volumekit.Visible(e.opts.Access, f.Path) {
			continue
		}
		resp.Files = append(resp.Files, e.entry(f))
	}
	return resp, nil
}

func (e *Engine) info(ctx context.Context, target string) (*Response, error) {
	target = volumekit.CleanPath(target)
	if !volumekit.Reachable(e.opts.Access, target) {
		return nil, volumekit.NewPathError("info", target, volumekit.ErrNotExist)
	}

	exists, err := e.mounts.Exists(ctx, target)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, volumekit.NewPathError("info", target, volumekit.ErrNotExist)
	}

	f := volumekit.FileInfo{Name: volumekit.Basename(target), Path: target}
	if f.IsDir, err = e.mounts.IsDir(ctx, target); err != nil {
		return nil, err
	}
	if !f.IsDir {
		if f.Size, err = e.mounts.Size(ctx, target); err != nil {
			return nil, err
		}
	}
	if mt, err := e.mounts.ModTime(ctx, target); err == nil {
		f.ModTime = mt
	}

	entry := e.entry(f)
	return &Response{Cmd: CmdInfo, Target: target, File: &entry}, nil
}

// entry resolves the policy attributes of f, keeping the engine defaults
// where the policy is undecided.
func (e *Engine) entry(f volumekit.FileInfo) Entry {
	return Entry{
		FileInfo: f,
		Read:     e.attr(volumekit.AttrRead, f.Path, true),
		Write:    e.attr(volumekit.AttrWrite, f.Path, true),
		Locked:   e.attr(volumekit.AttrLocked, f.Path, false),
	}
}

func (e *Engine) attr(attr volumekit.Attribute, p string, def bool) bool {
	if e.opts.Access == nil {
		return def
	}
	if v, ok := e.opts.Access.Evaluate(attr, p).Bool(); ok {
		return v
	}
	return def
}

var _ volumekit.Engine = (*Engine)(nil)
