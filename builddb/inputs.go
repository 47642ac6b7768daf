package builddb

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// ComputeInputCRC calculates a CRC32 checksum over the inputs of a build:
// the definition files and the staged install/, replace/ and scripts/
// directories. Paths may be files or directories; missing paths are skipped.
//
// File contents are hashed rather than metadata, so a fresh checkout of the
// same inputs yields the same checksum.
//
// Example:
//
//	crc, err := builddb.ComputeInputCRC(fs, "/work/build.yml", "/work/scripts")
//	if err != nil {
//	    return err
//	}
//	changed, err := db.InputsChanged(image, crc)
func ComputeInputCRC(fs afero.Fs, paths ...string) (uint32, error) {
	hash := crc32.NewIEEE()

	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	for _, root := range sorted {
		if ok, _ := afero.Exists(fs, root); !ok {
			continue
		}

		err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() && filepath.Base(path) == ".git" {
				return filepath.SkipDir
			}
			if !info.Mode().IsRegular() {
				return nil
			}

			// Hash the path (detects renamed files), then the contents
			hash.Write([]byte(path))
			hash.Write([]byte{0})

			f, err := fs.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(hash, f)
			return err
		})
		if err != nil {
			return 0, &InputError{Op: "compute", Path: root, Err: err}
		}
	}

	return hash.Sum32(), nil
}

// AddFileStamps folds the path, size and modification time of each file into
// crc. It covers inputs too large to hash, such as the source image. Missing
// files are skipped.
func AddFileStamps(fs afero.Fs, crc uint32, paths ...string) (uint32, error) {
	for _, path := range paths {
		info, err := fs.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, &InputError{Op: "stat", Path: path, Err: err}
		}

		stamp := append([]byte(path), 0)
		stamp = binary.LittleEndian.AppendUint64(stamp, uint64(info.Size()))
		stamp = binary.LittleEndian.AppendUint64(stamp, uint64(info.ModTime().UnixNano()))
		crc = crc32.Update(crc, crc32.IEEETable, stamp)
	}
	return crc, nil
}

// InputsChanged reports whether crc differs from the inputs of the latest
// successful build of image. An image that was never built has changed.
func (db *DB) InputsChanged(image string, crc uint32) (bool, error) {
	latest, err := db.LatestFor(image)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return true, nil
	}
	return latest.InputCRC != crc, nil
}
