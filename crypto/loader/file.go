package loader

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"go.dedis.ch/ballot"
	"golang.org/x/xerrors"
)

// fileLoader keeps a key hex-encoded in a file, which is the format of the
// usual Ethereum tooling for account keys. A new key is written to a
// temporary file of the same folder and renamed, so that a crash never leaves
// a truncated key behind.
//
// - implements loader.Loader
type fileLoader struct {
	path string

	statFn   func(path string) (os.FileInfo, error)
	readFn   func(path string) ([]byte, error)
	createFn func(dir, pattern string) (*os.File, error)
	renameFn func(from, to string) error
}

// NewFileLoader returns a loader of the key stored at the path.
func NewFileLoader(path string) Loader {
	return fileLoader{
		path:     path,
		statFn:   os.Stat,
		readFn:   os.ReadFile,
		createFn: os.CreateTemp,
		renameFn: os.Rename,
	}
}

// LoadOrCreate implements loader.Loader. A missing file is created with the
// generated key, readable and writable by the current user only.
func (l fileLoader) LoadOrCreate(g Generator) ([]byte, error) {
	_, err := l.statFn(l.path)
	if err == nil {
		data, err := l.Load()
		if err != nil {
			return nil, xerrors.Errorf("failed to load file: %v", err)
		}

		return data, nil
	}

	if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("couldn't stat key file: %v", err)
	}

	data, err := g.Generate()
	if err != nil {
		return nil, xerrors.Errorf("generator failed: %v", err)
	}

	err = l.store(data)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Load implements loader.Loader. An optional 0x prefix is accepted.
func (l fileLoader) Load() ([]byte, error) {
	raw, err := l.readFn(l.path)
	if err != nil {
		return nil, xerrors.Errorf("while reading file: %v", err)
	}

	text := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")

	data, err := hex.DecodeString(text)
	if err != nil {
		return nil, xerrors.Errorf("malformed key in %s: %v", l.path, err)
	}

	info, err := l.statFn(l.path)
	if err == nil && info.Mode().Perm()&0077 != 0 {
		ballot.Logger.Warn().
			Str("path", l.path).
			Stringer("mode", info.Mode().Perm()).
			Msg("key file is accessible by other users")
	}

	return data, nil
}

func (l fileLoader) store(data []byte) error {
	dir := filepath.Dir(l.path)

	err := os.MkdirAll(dir, 0700)
	if err != nil {
		return xerrors.Errorf("couldn't create key folder: %v", err)
	}

	tmp, err := l.createFn(dir, ".key-*")
	if err != nil {
		return xerrors.Errorf("while creating file: %v", err)
	}

	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(hex.EncodeToString(data) + "\n")
	if err != nil {
		tmp.Close()
		return xerrors.Errorf("while writing: %v", err)
	}

	err = tmp.Close()
	if err != nil {
		return xerrors.Errorf("while writing: %v", err)
	}

	err = l.renameFn(tmp.Name(), l.path)
	if err != nil {
		return xerrors.Errorf("couldn't move key file: %v", err)
	}

	return nil
}
