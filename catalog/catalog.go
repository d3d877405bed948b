package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// Catalog durably persists per-store replication metadata. SetStoreMeta must
// not return until the meta is durable.
type Catalog interface {
	GetStoreMeta(storeID uint32) (*StoreMeta, error)
	SetStoreMeta(meta *StoreMeta) error
}

// FileCatalog keeps one msgpack-encoded meta file per store under
// <root>/catalog/. Writes go through a temp file and rename.
type FileCatalog struct {
	dir string
}

func NewFileCatalog(root string) (*FileCatalog, error) {
	dir := filepath.Join(root, "catalog")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create catalog dir")
	}
	return &FileCatalog{dir: dir}, nil
}

func (c *FileCatalog) metaPath(storeID uint32) string {
	return filepath.Join(c.dir, fmt.Sprintf("store-%d.meta", storeID))
}

func (c *FileCatalog) GetStoreMeta(storeID uint32) (*StoreMeta, error) {
	data, err := os.ReadFile(c.metaPath(storeID))
	if os.IsNotExist(err) {
		return nil, NotFoundError(storeID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read meta of store %d", storeID)
	}
	meta := &StoreMeta{}
	if err := msgpack.Unmarshal(data, meta); err != nil {
		return nil, errors.Wrapf(err, "decode meta of store %d", storeID)
	}
	return meta, nil
}

func (c *FileCatalog) SetStoreMeta(meta *StoreMeta) error {
	data, err := msgpack.Marshal(meta)
	if err != nil {
		return errors.Wrapf(err, "encode meta of store %d", meta.ID)
	}
	tmp := c.metaPath(meta.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write meta of store %d", meta.ID)
	}
	if err := os.Rename(tmp, c.metaPath(meta.ID)); err != nil {
		return errors.Wrapf(err, "install meta of store %d", meta.ID)
	}
	return nil
}
