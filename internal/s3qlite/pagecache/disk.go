// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pagecache

import (
	"encoding/binary"

	"github.com/rs/zerolog/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Disk is the local second level of the cache. It receives clean pages
// evicted from memory. Every page is stored together with the stamp of the
// file version it belongs to and it is ignored once the file moves on.
type Disk struct {
	db *leveldb.DB
}

// OpenDisk opens or creates the disk level in directory dir.
func OpenDisk(dir string) (*Disk, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}

	return &Disk{db: db}, nil
}

// NewDisk wraps an already opened database.
func NewDisk(db *leveldb.DB) *Disk {
	return &Disk{db: db}
}

func (d *Disk) Close() error {
	return d.db.Close()
}

// Get returns the page if it is stored with the given stamp.
func (d *Disk) Get(file string, pgno int64, stamp string) ([]byte, bool) {
	v, err := d.db.Get(diskKey(file, pgno), nil)
	if err != nil {
		if err != leveldb.ErrNotFound {
			log.Debug().Err(err).Str("file", file).Int64("page", pgno).Msg("Disk cache read failed")
		}
		return nil, false
	}

	n, l := binary.Uvarint(v)
	if l <= 0 || uint64(len(v)-l) < n || string(v[l:l+int(n)]) != stamp {
		return nil, false
	}

	return v[l+int(n):], true
}

// Put stores the page. Failures are logged only, the disk level is an
// optimization.
func (d *Disk) Put(file string, pgno int64, stamp string, data []byte) {
	v := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(stamp)+len(data))
	v = v[:binary.PutUvarint(v, uint64(len(stamp)))]
	v = append(v, stamp...)
	v = append(v, data...)

	if err := d.db.Put(diskKey(file, pgno), v, nil); err != nil {
		log.Debug().Err(err).Str("file", file).Int64("page", pgno).Msg("Disk cache write failed")
	}
}

// Drop removes all pages of the file.
func (d *Disk) Drop(file string) {
	batch := new(leveldb.Batch)

	it := d.db.NewIterator(util.BytesPrefix(filePrefix(file)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()

	if err := it.Error(); err != nil {
		log.Debug().Err(err).Str("file", file).Msg("Disk cache scan failed")
	}

	if err := d.db.Write(batch, nil); err != nil {
		log.Debug().Err(err).Str("file", file).Msg("Disk cache drop failed")
	}
}

func filePrefix(file string) []byte {
	return append([]byte(file), 0)
}

func diskKey(file string, pgno int64) []byte {
	k := filePrefix(file)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(pgno))

	return append(k, n[:]...)
}
