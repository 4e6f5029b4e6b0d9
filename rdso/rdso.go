// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon forward error correction to a byte
// stream, based on github.com/klauspost/reedsolomon. A side file built
// by Encode lets Check detect bit rot and Restore recover it, without
// needing the whole input held in memory at once: both the protected
// stream and its side file are processed window by window.
package rdso

import (
	"encoding/gob"
	"errors"
	"io"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"

	"github.com/coffer-backup/coffer/util"
)

// HashSize is the number of bytes in the hash values used to detect
// corruption in a shard.
const HashSize = 64

// Hash is a fixed-size secure hash of a chunk of data.
type Hash [HashSize]byte

// hash is an internal alias for Hash, used where the side-file format
// talks about per-shard hashes rather than whole-stream ones.
type hash = Hash

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ErrFileCorrupt is returned by Check when any shard's data no longer
// matches its recorded hash.
var ErrFileCorrupt = errors.New("rdso: data does not match recorded hashes")

// rsFileHeader is the first gob value in a side file: the parameters
// needed to re-derive window size and to drive reedsolomon.New.
type rsFileHeader struct {
	NDataShards, NParityShards int
	HashRate                   int
	FileSize                   int64
}

// rsFileSegment is one gob value per window after the header: the
// hashes of every shard (data and parity) in that window, and the
// parity shards themselves. Data shards aren't stored — they're
// re-derived by re-reading the protected stream.
type rsFileSegment struct {
	Hashes []hash
	Parity [][]byte
}

// Encode reads size bytes from data, encoding it in windows of
// nDataShards*hashRate bytes apiece, and writes a side file to rs that
// Check and Restore can later use against the same stream.
func Encode(data io.Reader, size int64, rs io.Writer, nDataShards, nParityShards, hashRate int) error {
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return err
	}

	genc := gob.NewEncoder(rs)
	if err := genc.Encode(rsFileHeader{
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
		FileSize:      size,
	}); err != nil {
		return err
	}

	windowSize := int64(nDataShards) * int64(hashRate)
	for {
		buf, n, err := readWindow(data, windowSize)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		dataShards := shard(buf, int64(hashRate))
		parity := make([][]byte, nParityShards)
		for i := range parity {
			parity[i] = make([]byte, hashRate)
		}
		allShards := append(append([][]byte{}, dataShards...), parity...)
		if err := enc.Encode(allShards); err != nil {
			return err
		}

		hashes := make([]hash, len(allShards))
		for i, s := range allShards {
			hashes[i] = HashBytes(s)
		}
		if err := genc.Encode(rsFileSegment{Hashes: hashes, Parity: parity}); err != nil {
			return err
		}

		if n < windowSize {
			return nil
		}
	}
}

// Check reads data and rs window by window and reports ErrFileCorrupt
// if any shard's data no longer hashes to its recorded value. A nil
// log is fine; when non-nil, every mismatch is logged as it's found.
func Check(data io.Reader, rs io.Reader, log *util.Logger) error {
	corrupt := false
	err := forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		for i, s := range shards {
			if HashBytes(s) != hashes[i] {
				corrupt = true
				if log != nil {
					if i < h.NDataShards {
						log.Error("data shard %d does not match recorded hash\n", i)
					} else {
						log.Error("parity shard %d does not match recorded hash\n", i-h.NDataShards)
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if corrupt {
		return ErrFileCorrupt
	}
	return nil
}

// Restore reads data and rs window by window, reconstructing any shard
// whose hash no longer matches from the surviving shards in that
// window, and writes the recovered stream to restoredData (truncated
// to size bytes) and a recomputed side file to restoredRs. When
// nothing was corrupt, the output is byte-identical to the input.
func Restore(data io.Reader, rs io.Reader, size int64, restoredData, restoredRs io.Writer, log *util.Logger) error {
	genc := gob.NewEncoder(restoredRs)
	headerWritten := false
	var written int64

	return forEachSegment(data, rs, log, func(h rsFileHeader, hashes []hash, shards [][]byte) error {
		if !headerWritten {
			if err := genc.Encode(h); err != nil {
				return err
			}
			headerWritten = true
		}

		recon := make([][]byte, len(shards))
		missing := 0
		for i, s := range shards {
			if HashBytes(s) == hashes[i] {
				recon[i] = s
			} else {
				missing++
				if log != nil {
					log.Warning("reconstructing shard %d\n", i)
				}
			}
		}
		if missing > 0 {
			enc, err := reedsolomon.New(h.NDataShards, h.NParityShards)
			if err != nil {
				return err
			}
			if err := enc.Reconstruct(recon); err != nil {
				return err
			}
		}

		for i := 0; i < h.NDataShards; i++ {
			n := int64(len(recon[i]))
			if remaining := size - written; n > remaining {
				n = remaining
			}
			if n > 0 {
				if _, err := restoredData.Write(recon[i][:n]); err != nil {
					return err
				}
				written += n
			}
		}

		newHashes := make([]hash, len(recon))
		for i, s := range recon {
			newHashes[i] = HashBytes(s)
		}
		return genc.Encode(rsFileSegment{Hashes: newHashes, Parity: recon[h.NDataShards:]})
	})
}

// readWindow fills buf with up to windowSize bytes from r, zero-padding
// a short final read. It returns io.EOF once there is nothing left to
// read at all.
func readWindow(r io.Reader, windowSize int64) ([]byte, int64, error) {
	buf := make([]byte, windowSize)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err == io.EOF && n == 0 {
		return nil, 0, io.EOF
	}
	if err != nil && err != io.EOF {
		return nil, 0, err
	}
	return buf, int64(n), nil
}

// shard splits b into consecutive chunks of size bytes, the last one
// padded with whatever's left of b.
func shard(b []byte, size int64) [][]byte {
	var s [][]byte
	for int64(len(b)) > size {
		s = append(s, b[:size])
		b = b[size:]
	}
	return append(s, b)
}

// forEachSegment decodes the rsFileHeader from rs, then calls fn once
// per window with that window's data+parity shards and recorded
// hashes, until data is exhausted.
func forEachSegment(data io.Reader, rs io.Reader, log *util.Logger, fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	dec := gob.NewDecoder(rs)
	var header rsFileHeader
	if err := dec.Decode(&header); err != nil {
		return err
	}
	return eachWindow(data, header, dec, fn)
}

func eachWindow(data io.Reader, header rsFileHeader, dec *gob.Decoder, fn func(h rsFileHeader, hashes []hash, shards [][]byte) error) error {
	windowSize := int64(header.NDataShards) * int64(header.HashRate)
	for {
		buf, n, err := readWindow(data, windowSize)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var seg rsFileSegment
		if err := dec.Decode(&seg); err != nil {
			return err
		}

		dataShards := shard(buf, int64(header.HashRate))
		shards := append(append([][]byte{}, dataShards...), seg.Parity...)
		if err := fn(header, seg.Hashes, shards); err != nil {
			return err
		}

		if n < windowSize {
			return nil
		}
	}
}
