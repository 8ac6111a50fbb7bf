package core

// File-backed datastore: go-ds-flatfs with a key coder in front. Flatfs only
// accepts single-component keys drawn from its base32 alphabet, while this
// package namespaces keys and stores DIDs and pointer names verbatim, so the
// coder base32-encodes the full key string on the way in and reverses it on
// the way out.

import (
	"encoding/base32"
	"strings"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/keytransform"
	flatfs "github.com/ipfs/go-ds-flatfs"
)

// flatfsShardWidth is the next-to-last shard suffix length; encoded keys are
// long enough that two characters spread the directory fan-out evenly.
const flatfsShardWidth = 2

var rawStdEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newFlatDatastore(root string) (ds.Datastore, error) {
	child, err := flatfs.CreateOrOpen(root, flatfs.NextToLast(flatfsShardWidth), true)
	if err != nil {
		return nil, err
	}
	return keytransform.Wrap(child, flatfsKeyCoder{}), nil
}

type flatfsKeyCoder struct{}

func (flatfsKeyCoder) ConvertKey(k ds.Key) ds.Key {
	return ds.NewKey("/" + rawStdEncoding.EncodeToString([]byte(k.String())))
}

func (flatfsKeyCoder) InvertKey(k ds.Key) ds.Key {
	decoded, err := rawStdEncoding.DecodeString(strings.TrimPrefix(k.String(), "/"))
	if err != nil {
		return k
	}
	return ds.NewKey(string(decoded))
}
