package actors

import (
	"bytes"
	"io"
	"os"
)

// Open returns the flat file for db inside the mind's directory, and false if it does not exist.
func Open(mind, db string) (*os.File, bool, error) {
	if err := os.MkdirAll(directory(mind), 0700); err != nil {
		return nil, false, err
	}
	_, err := os.Stat(path(mind, db))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	file, err := os.Open(path(mind, db))
	if err != nil {
		return nil, false, err
	}
	return file, true, nil
}

// Write replaces the contents of the flat file for db.
func Write(mind, db string, b []byte) error {
	if err := os.MkdirAll(directory(mind), 0700); err != nil {
		return err
	}
	tmp := path(mind, db) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, bytes.NewReader(b)); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path(mind, db))
}

// Remove deletes the flat file for db. A missing file is not an error.
func Remove(mind, db string) error {
	err := os.Remove(path(mind, db))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func path(mind, db string) string {
	return directory(mind) + db + ".dat"
}

func directory(mind string) string {
	dir := MakeOrGetConfig().GetString("rootDir")
	dir = dir + MakeOrGetConfig().GetString("flatFileDir")
	dir = dir + mind + "/"
	return dir
}
