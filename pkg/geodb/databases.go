package geodb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

const userDatabasesTable = "/geodb_user_databases"

func (c *Client) rpc(ctx context.Context, name string, payload any) (*executor.Response, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return c.exec.Post(ctx, "/rpc/"+name, payload, nil, nil)
}

// decodeSrc unwraps the row list of an RPC answer. Both [{"src": rows}] and
// {"src": rows} are accepted; a null src is an empty list.
func decodeSrc[T any](resp *executor.Response) ([]T, error) {
	out := []T{}
	b := bytes.TrimSpace(resp.Body)
	if len(b) == 0 || string(b) == "null" {
		return out, nil
	}
	type wrapped struct {
		Src []T `json:"src"`
	}
	var src []T
	if b[0] == '[' {
		var list []wrapped
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("decode rpc answer: %w", err)
		}
		if len(list) > 0 {
			src = list[0].Src
		}
	} else {
		var one wrapped
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, fmt.Errorf("decode rpc answer: %w", err)
		}
		src = one.Src
	}
	if src == nil {
		return out, nil
	}
	return src, nil
}

func srcRows(resp *executor.Response) ([]map[string]any, error) {
	return decodeSrc[map[string]any](resp)
}

// GetMyUsage reports the storage used by the current user, human readable when pretty.
func (c *Client) GetMyUsage(ctx context.Context, pretty bool) (map[string]any, error) {
	payload := map[string]any{}
	if pretty {
		payload["pretty"] = true
	}
	resp, err := c.rpc(ctx, "geodb_get_my_usage", payload)
	if err != nil {
		return nil, err
	}
	rows, err := srcRows(resp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]any{}, nil
	}
	return rows[0], nil
}

func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	if name == "" {
		return geodberr.Validationf("database name is required")
	}
	if _, err := c.rpc(ctx, "geodb_create_database", map[string]string{"database": name}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.DatabaseCreated, name)
	return nil
}

// DatabaseExists looks the name up in the user database registry.
func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	rows, err := c.userDatabases(ctx, url.Values{"name": {"eq." + name}})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// GetMyDatabases lists the databases owned by the current user.
func (c *Client) GetMyDatabases(ctx context.Context) ([]map[string]any, error) {
	me, err := c.Whoami(ctx)
	if err != nil {
		return nil, err
	}
	return c.userDatabases(ctx, url.Values{"owner": {"eq." + me}})
}

func (c *Client) userDatabases(ctx context.Context, q url.Values) ([]map[string]any, error) {
	resp, err := c.exec.Get(ctx, userDatabasesTable, q, nil)
	if err != nil {
		return nil, err
	}
	rows := []map[string]any{}
	if b := bytes.TrimSpace(resp.Body); len(b) == 0 || string(b) == "null" {
		return rows, nil
	}
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// TruncateDatabase deletes a database the user owns. A database that still holds
// collections is only deleted with force, which drops the collections first. The
// user's default database is never deleted.
func (c *Client) TruncateDatabase(ctx context.Context, name string, force bool) error {
	exists, err := c.DatabaseExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return &geodberr.NotFoundError{Kind: "database", Name: name}
	}
	me, err := c.Whoami(ctx)
	if err != nil {
		return err
	}
	if name == me {
		return geodberr.Validationf("the default database %s cannot be dropped", name)
	}
	mine, err := c.GetMyDatabases(ctx)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(mine, func(r map[string]any) bool { return r["name"] == name }) {
		return geodberr.Validationf("database %s is not owned by %s", name, me)
	}

	colls, err := c.GetMyCollections(ctx, InDatabase(name))
	if err != nil {
		return err
	}
	if len(colls) > 0 {
		if !force {
			return geodberr.Validationf("database %s is not empty; pass force to drop its %d collections", name, len(colls))
		}
		names := make([]string, 0, len(colls))
		for _, col := range colls {
			names = append(names, col.Collection)
		}
		if err := c.DropCollections(ctx, names, false, InDatabase(name)); err != nil {
			return err
		}
	}

	if _, err := c.rpc(ctx, "geodb_truncate_database", map[string]string{"database": name}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.DatabaseTruncated, name)
	return nil
}
