package archive

import (
	"bytes"
	"encoding/gob"
	"strconv"
	"time"

	"github.com/coffer-backup/coffer/cerrors"
)

func nanosToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, cerrors.Wrap(cerrors.Integrity, err, "gob encode")
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return cerrors.Wrap(cerrors.Integrity, err, "gob decode")
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
