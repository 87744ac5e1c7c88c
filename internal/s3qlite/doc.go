// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// s3qlite is the storage layer of a SQLite database kept in an object store.
// Every file the engine opens is split into fixed-size pages, each stored as
// one object, plus a small meta object holding the committed size. Writes
// stay in a process-wide page cache until the engine syncs the file; the sync
// uploads the dirty pages and then commits by a conditional write of the meta
// object.
//
// Locks follow the five SQLite levels. Handles of one process are arbitrated
// in memory; processes sharing a bucket additionally hold leases stored next
// to the file. Temporary files never reach the object store.
package s3qlite
