package httpserver

import (
	"context"
	"os"

	"golang.org/x/net/webdav"

	"attic/internal/sandbox"
)

// davFS adapts the sandbox to webdav.FileSystem so DAV clients get the
// same confinement as the rest of the API. webdav.Dir confines names
// only lexically and follows symlinks on open, which would let an
// in-root symlink serve content from outside the root.
type davFS struct {
	box *sandbox.Sandbox
}

func (d davFS) resolve(name string) (string, error) {
	abs, err := d.box.Resolve(sandbox.CleanRelPath(name))
	if err != nil {
		return "", os.ErrPermission
	}
	return abs, nil
}

func (d davFS) Mkdir(_ context.Context, name string, perm os.FileMode) error {
	abs, err := d.resolve(name)
	if err != nil {
		return err
	}
	return os.Mkdir(abs, perm)
}

func (d davFS) OpenFile(_ context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	abs, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(abs, flag, perm)
}

func (d davFS) RemoveAll(_ context.Context, name string) error {
	abs, err := d.resolve(name)
	if err != nil {
		return err
	}
	if abs == d.box.Root() {
		return os.ErrPermission
	}
	return os.RemoveAll(abs)
}

func (d davFS) Rename(_ context.Context, oldName, newName string) error {
	oldAbs, err := d.resolve(oldName)
	if err != nil {
		return err
	}
	newAbs, err := d.resolve(newName)
	if err != nil {
		return err
	}
	return os.Rename(oldAbs, newAbs)
}

func (d davFS) Stat(_ context.Context, name string) (os.FileInfo, error) {
	abs, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}
