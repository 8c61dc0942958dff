package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/tidesync/tidesync/internal/errdefs"
	"github.com/tidesync/tidesync/internal/utils"
)

const serverColumns = `id, name, host, port, username, password, private_key, torrent_client, created_at, updated_at`

const insertServerSQL = `INSERT INTO servers (
	id, name, host, port, username, password, private_key, torrent_client, created_at, updated_at
) VALUES (
	:id, :name, :host, :port, :username, :password, :private_key, :torrent_client, :created_at, :updated_at
)`

const updateServerSQL = `UPDATE servers SET
	name = :name,
	host = :host,
	port = :port,
	username = :username,
	password = :password,
	private_key = :private_key,
	torrent_client = :torrent_client,
	updated_at = :updated_at
WHERE id = :id`

// CreateServer validates and persists a new server descriptor.
func (s *Store) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = utils.NewID()
	}
	if srv.Port == 0 {
		srv.Port = 22
	}
	if err := srv.Validate(); err != nil {
		return err
	}
	now := nowMillis()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	if _, err := s.db.NamedExecContext(ctx, insertServerSQL, srv); err != nil {
		if isUniqueViolation(err) {
			return errdefs.Wrap(errdefs.CodeConflict, err, "server %s already exists", srv.ID)
		}
		return errdefs.Wrap(errdefs.CodeSystem, err, "insert server")
	}
	return nil
}

// UpdateServer validates and writes back an existing server.
func (s *Store) UpdateServer(ctx context.Context, srv *Server) error {
	if srv.Port == 0 {
		srv.Port = 22
	}
	if err := srv.Validate(); err != nil {
		return err
	}
	srv.UpdatedAt = nowMillis()

	res, err := s.db.NamedExecContext(ctx, updateServerSQL, srv)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "update server %s", srv.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.New(errdefs.CodeNotFound, "server %s not found", srv.ID)
	}
	return nil
}

// GetServer fetches one server by id. Missing servers return (nil, nil).
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.GetContext(ctx, &srv, "SELECT "+serverColumns+" FROM servers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "get server %s", id)
	}
	return &srv, nil
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	var servers []*Server
	err := s.db.SelectContext(ctx, &servers, "SELECT "+serverColumns+" FROM servers ORDER BY name")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSystem, err, "list servers")
	}
	return servers, nil
}

// DeleteServer removes a server; jobs referencing it must go first.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	var n int64
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM jobs WHERE source_server_id = ? OR target_server_id = ?", id, id)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "check server references")
	}
	if n > 0 {
		return errdefs.New(errdefs.CodeConflict, "server %s is referenced by %d job(s)", id, n)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeSystem, err, "delete server %s", id)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return errdefs.New(errdefs.CodeNotFound, "server %s not found", id)
	}
	return nil
}
