package geodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"

	"github.com/mohammed-shakir/geodb-client/internal/core/model"
	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/internal/pipeline"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// CollectionRef names a collection together with its owner and database.
type CollectionRef = model.CollectionRef

// CollectionSpec describes a collection to create. Properties map column names to
// SQL types; a zero CRS means EPSG:4326.
type CollectionSpec struct {
	Properties map[string]string
	CRS        dataset.CRS
}

// Columns every collection carries; they can never be dropped.
var mandatoryColumns = []string{"id", "geometry", "created_at", "modified_at"}

const publicUser = "public"

// CreateCollections creates all collections in one request. With force, existing
// collections of the same name are dropped first.
func (c *Client) CreateCollections(ctx context.Context, specs map[string]CollectionSpec, force bool, opts ...CallOption) error {
	if len(specs) == 0 {
		return geodberr.Validationf("no collections given")
	}
	db, err := c.database(ctx, opts)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	if force {
		for _, name := range names {
			if err := c.DropCollection(ctx, name, InDatabase(db)); err != nil {
				c.logger.DebugContext(ctx, "drop before create failed", "collection", name, "err", err)
			}
		}
	}
	exists, err := c.DatabaseExists(ctx, db)
	if err != nil {
		return err
	}
	if !exists {
		return &geodberr.NotFoundError{Kind: "database", Name: db}
	}

	buf := make(map[string]any, len(specs))
	for _, name := range names {
		spec := specs[name]
		crs := spec.CRS
		if !crs.IsSet() {
			crs = dataset.WGS84
		}
		props := spec.Properties
		if props == nil {
			props = map[string]string{}
		}
		buf[pipeline.Qualified(db, name)] = map[string]any{"properties": props, "crs": crs.SRID()}
	}
	if _, err := c.rpc(ctx, "geodb_create_collections", map[string]any{"collections": buf}); err != nil {
		return err
	}
	for _, name := range names {
		c.events.Record(ctx, eventlog.Created, "collection "+pipeline.Qualified(db, name))
	}
	return nil
}

func (c *Client) CreateCollection(ctx context.Context, name string, properties map[string]string, crs dataset.CRS, opts ...CallOption) error {
	return c.CreateCollections(ctx, map[string]CollectionSpec{name: {Properties: properties, CRS: crs}}, false, opts...)
}

// CreateCollectionIfNotExists reports whether the collection had to be created.
func (c *Client) CreateCollectionIfNotExists(ctx context.Context, name string, properties map[string]string, crs dataset.CRS, opts ...CallOption) (bool, error) {
	exists, err := c.CollectionExists(ctx, name, opts...)
	if err != nil || exists {
		return false, err
	}
	if err := c.CreateCollection(ctx, name, properties, crs, opts...); err != nil {
		return false, err
	}
	return true, nil
}

// CollectionExists reads one row of the collection's table. Any server refusal counts as absent.
func (c *Client) CollectionExists(ctx context.Context, name string, opts ...CallOption) (bool, error) {
	_, dn, err := c.qualified(ctx, name, opts)
	if err != nil {
		return false, err
	}
	_, err = c.exec.Get(ctx, "/"+dn, url.Values{"limit": {"1"}}, nil)
	var se *geodberr.ServerError
	switch {
	case errors.As(err, &se):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (c *Client) DropCollection(ctx context.Context, name string, opts ...CallOption) error {
	return c.DropCollections(ctx, []string{name}, false, opts...)
}

// DropCollections drops collections of one database. cascade also drops dependent
// objects such as left over sequences.
func (c *Client) DropCollections(ctx context.Context, names []string, cascade bool, opts ...CallOption) error {
	if len(names) == 0 {
		return geodberr.Validationf("no collections given")
	}
	db, err := c.database(ctx, opts)
	if err != nil {
		return err
	}
	flag := "FALSE"
	if cascade {
		flag = "TRUE"
	}
	payload := map[string]any{"database": db, "collections": names, "cascade": flag}
	if _, err := c.rpc(ctx, "geodb_drop_collections", payload); err != nil {
		return err
	}
	for _, n := range names {
		c.events.Record(ctx, eventlog.Dropped, "collection "+pipeline.Qualified(db, n))
	}
	return nil
}

func (c *Client) RenameCollection(ctx context.Context, name, newName string, opts ...CallOption) error {
	db, from, err := c.qualified(ctx, name, opts)
	if err != nil {
		return err
	}
	if newName == "" {
		return geodberr.Validationf("new collection name is required")
	}
	to := pipeline.Qualified(db, newName)
	if _, err := c.rpc(ctx, "geodb_rename_collection", map[string]string{"collection": from, "new_name": to}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.Renamed, fmt.Sprintf("collection %s to %s", from, to))
	return nil
}

// MoveCollection moves a collection, keeping its name, into toDatabase.
func (c *Client) MoveCollection(ctx context.Context, name, toDatabase string, opts ...CallOption) error {
	db, from, err := c.qualified(ctx, name, opts)
	if err != nil {
		return err
	}
	if toDatabase == "" {
		return geodberr.Validationf("target database is required")
	}
	if toDatabase == db {
		return nil
	}
	to := pipeline.Qualified(toDatabase, name)
	if _, err := c.rpc(ctx, "geodb_rename_collection", map[string]string{"collection": from, "new_name": to}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.Moved, fmt.Sprintf("collection %s to %s", from, to))
	return nil
}

// CopyCollection copies a collection to newName in toDatabase, or in the source
// database when toDatabase is empty.
func (c *Client) CopyCollection(ctx context.Context, name, newName, toDatabase string, opts ...CallOption) error {
	db, from, err := c.qualified(ctx, name, opts)
	if err != nil {
		return err
	}
	if newName == "" {
		return geodberr.Validationf("new collection name is required")
	}
	if toDatabase == "" {
		toDatabase = db
	}
	to := pipeline.Qualified(toDatabase, newName)
	if _, err := c.rpc(ctx, "geodb_copy_collection", map[string]string{"old_collection": from, "new_collection": to}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.Copied, fmt.Sprintf("collection %s to %s", from, to))
	return nil
}

func (c *Client) GetMyCollections(ctx context.Context, opts ...CallOption) ([]CollectionRef, error) {
	db, err := c.database(ctx, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc(ctx, "geodb_get_my_collections", map[string]string{"database": db})
	if err != nil {
		return nil, err
	}
	return decodeSrc[CollectionRef](resp)
}

func (c *Client) AddProperty(ctx context.Context, collection, name, typ string, opts ...CallOption) error {
	return c.AddProperties(ctx, collection, map[string]string{name: typ}, opts...)
}

// AddProperties adds columns, given as name to SQL type.
func (c *Client) AddProperties(ctx context.Context, collection string, properties map[string]string, opts ...CallOption) error {
	if len(properties) == 0 {
		return geodberr.Validationf("no properties given")
	}
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if _, err := c.rpc(ctx, "geodb_add_properties", map[string]any{"collection": dn, "properties": properties}); err != nil {
		return err
	}
	names := make([]string, 0, len(properties))
	for n := range properties {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		c.events.Record(ctx, eventlog.PropertyAdded, fmt.Sprintf("%s to collection %s", n, dn))
	}
	return nil
}

func (c *Client) DropProperty(ctx context.Context, collection, name string, opts ...CallOption) error {
	return c.DropProperties(ctx, collection, []string{name}, opts...)
}

// DropProperties removes columns. Mandatory columns are refused before anything is sent.
func (c *Client) DropProperties(ctx context.Context, collection string, properties []string, opts ...CallOption) error {
	if len(properties) == 0 {
		return geodberr.Validationf("no properties given")
	}
	var refused []string
	for _, p := range properties {
		if slices.Contains(mandatoryColumns, p) && !slices.Contains(refused, p) {
			refused = append(refused, p)
		}
	}
	if len(refused) > 0 {
		return geodberr.Validationf("mandatory columns cannot be dropped: %v", refused)
	}
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if err := c.caps.AssertProcedureExists(ctx, "geodb_drop_properties"); err != nil {
		return err
	}
	if _, err := c.rpc(ctx, "geodb_drop_properties", map[string]any{"collection": dn, "properties": properties}); err != nil {
		return err
	}
	for _, p := range properties {
		c.events.Record(ctx, eventlog.PropertyDropped, fmt.Sprintf("%s from collection %s", p, dn))
	}
	return nil
}

// GetProperties lists the collection's columns with their data types.
func (c *Client) GetProperties(ctx context.Context, collection string, opts ...CallOption) ([]map[string]any, error) {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc(ctx, "geodb_get_properties", map[string]string{"collection": dn})
	if err != nil {
		return nil, err
	}
	return srcRows(resp)
}

func (c *Client) GrantAccess(ctx context.Context, collection, user string, opts ...CallOption) error {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if user == "" {
		return geodberr.Validationf("user is required")
	}
	_, err = c.rpc(ctx, "geodb_grant_access_to_collection", map[string]string{"collection": dn, "usr": user})
	return err
}

func (c *Client) RevokeAccess(ctx context.Context, collection, user string, opts ...CallOption) error {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if user == "" {
		return geodberr.Validationf("user is required")
	}
	_, err = c.rpc(ctx, "geodb_revoke_access_from_collection", map[string]string{"collection": dn, "usr": user})
	return err
}

// ListMyGrants lists the grants the current user has given.
func (c *Client) ListMyGrants(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.rpc(ctx, "geodb_list_grants", nil)
	if err != nil {
		return nil, err
	}
	return srcRows(resp)
}

// PublishCollection makes the collection readable by every geoDB user.
func (c *Client) PublishCollection(ctx context.Context, collection string, opts ...CallOption) error {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if err := c.GrantAccess(ctx, collection, publicUser, opts...); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.Published, "collection "+dn)
	return nil
}

func (c *Client) UnpublishCollection(ctx context.Context, collection string, opts ...CallOption) error {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if err := c.RevokeAccess(ctx, collection, publicUser, opts...); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.Unpublished, "collection "+dn)
	return nil
}
