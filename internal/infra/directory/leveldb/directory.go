// Package leveldb persists the participant directory in a goleveldb database.
//
// Key layout:
//
//	list:<address>:<listName>:<batchId>  -> empty
//	dereg:<address>                      -> empty
package leveldb

import (
	"context"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"agritrace/internal/participants"
)

const (
	listPrefix  = "list:"
	deregPrefix = "dereg:"
)

// Directory is a goleveldb-backed participants.Directory.
type Directory struct {
	db *leveldb.DB
}

var _ participants.Directory = (*Directory)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("leveldb directory: path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Directory{db: db}, nil
}

func listKey(address string, list participants.ListName, batchID string) []byte {
	return []byte(listPrefix + address + ":" + string(list) + ":" + batchID)
}

func deregKey(address string) []byte {
	return []byte(deregPrefix + address)
}

// AddToSet records batchID in the participant's list.
func (d *Directory) AddToSet(_ context.Context, address string, list participants.ListName, batchID string) error {
	if err := participants.CheckAdd(address, list, batchID); err != nil {
		return err
	}
	key := participants.Key(address)
	gone, err := d.db.Has(deregKey(key), nil)
	if err != nil {
		return fmt.Errorf("check deregistration: %w", err)
	}
	if gone {
		return nil
	}
	return d.db.Put(listKey(key, list, batchID), nil, nil)
}

// Lists scans the participant's key range.
func (d *Directory) Lists(_ context.Context, address string) (participants.Lists, error) {
	key := participants.Key(address)
	out := participants.Lists{Address: address}
	gone, err := d.db.Has(deregKey(key), nil)
	if err != nil {
		return out, fmt.Errorf("check deregistration: %w", err)
	}
	out.Deregistered = gone

	for _, name := range participants.AllLists {
		prefix := listPrefix + key + ":" + string(name) + ":"
		iter := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		ids := make([]string, 0)
		for iter.Next() {
			ids = append(ids, strings.TrimPrefix(string(iter.Key()), prefix))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return out, fmt.Errorf("scan %s: %w", name, err)
		}
		out.Set(name, ids)
	}
	return out, nil
}

// Deregister removes the participant's lists and writes the marker atomically.
func (d *Directory) Deregister(_ context.Context, address string) error {
	key := participants.Key(address)
	batch := new(leveldb.Batch)
	iter := d.db.NewIterator(util.BytesPrefix([]byte(listPrefix+key+":")), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan lists: %w", err)
	}
	batch.Put(deregKey(key), nil)
	return d.db.Write(batch, nil)
}

// Reset deletes every list entry.
func (d *Directory) Reset(context.Context) error {
	batch := new(leveldb.Batch)
	iter := d.db.NewIterator(util.BytesPrefix([]byte(listPrefix)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan lists: %w", err)
	}
	return d.db.Write(batch, nil)
}

// Close closes the database.
func (d *Directory) Close() error {
	return d.db.Close()
}
