// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"maunium.net/go/mautrix/id"
)

// PostgresStore implements Store on top of PostgreSQL.
type PostgresStore struct {
	conn *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a connection, verifies it and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &PostgresStore{conn: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

const roomColumns = "matrix_room_id, display_name, rocketchat_server_id, rocketchat_room_id, " +
	"is_admin_room, is_bridged, state, created_at, updated_at"

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var (
		room               Room
		serverID, rcRoomID sql.NullString
		state              string
	)
	err := row.Scan(
		&room.MatrixRoomID,
		&room.DisplayName,
		&serverID,
		&rcRoomID,
		&room.IsAdminRoom,
		&room.IsBridged,
		&state,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}
	room.RocketchatServerID = serverID.String
	room.RocketchatRoomID = rcRoomID.String
	room.State = RoomState(state)
	return room, nil
}

func (s *PostgresStore) CreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error) {
	now := time.Now().UTC()
	row := s.conn.QueryRowContext(ctx,
		"INSERT INTO rooms (matrix_room_id, display_name, rocketchat_server_id, is_admin_room, state, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"ON CONFLICT (matrix_room_id) DO NOTHING "+
			"RETURNING "+roomColumns,
		params.MatrixRoomID,
		params.DisplayName,
		nullable(params.RocketchatServerID),
		params.IsAdminRoom,
		string(params.State),
		now,
	)
	room, err := scanRoom(row)
	if err == nil {
		return room, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Room{}, false, err
	}
	// Lost the race, fetch the winner's row.
	existing, err := s.FindRoomByMatrixID(ctx, params.MatrixRoomID)
	if err != nil {
		return Room{}, false, err
	}
	return *existing, false, nil
}

func (s *PostgresStore) FindRoomByMatrixID(ctx context.Context, roomID id.RoomID) (*Room, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE matrix_room_id = $1",
		roomID,
	)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *PostgresStore) FindRoomByRocketchatRoom(ctx context.Context, serverID, rcRoomID string) (*Room, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE rocketchat_server_id = $1 AND rocketchat_room_id = $2",
		serverID,
		rcRoomID,
	)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *PostgresStore) SetRoomState(ctx context.Context, roomID id.RoomID, state RoomState) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE rooms SET state = $2, updated_at = $3 WHERE matrix_room_id = $1",
		roomID,
		string(state),
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SetRoomServer(ctx context.Context, roomID id.RoomID, serverID string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE rooms SET rocketchat_server_id = $2, updated_at = $3 WHERE matrix_room_id = $1",
		roomID,
		nullable(serverID),
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SetRoomBridged(ctx context.Context, roomID id.RoomID, rcRoomID string, bridged bool) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE rooms SET rocketchat_room_id = $2, is_bridged = $3, updated_at = $4 WHERE matrix_room_id = $1",
		roomID,
		nullable(rcRoomID),
		bridged,
		time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListBridgedRooms(ctx context.Context, serverID string) ([]Room, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT "+roomColumns+" FROM rooms WHERE rocketchat_server_id = $1 AND is_bridged ORDER BY matrix_room_id",
		serverID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, room)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CreateServer(ctx context.Context, params CreateServerParams) (Server, error) {
	row := s.conn.QueryRowContext(ctx,
		"INSERT INTO rocketchat_servers (id, url, token, created_at) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, url, COALESCE(token, ''), created_at",
		params.ID,
		params.URL,
		nullable(params.Token),
		time.Now().UTC(),
	)
	var server Server
	err := row.Scan(&server.ID, &server.URL, &server.Token, &server.CreatedAt)
	if isUniqueViolation(err) {
		return Server{}, ErrConflict
	}
	return server, err
}

func (s *PostgresStore) findServer(ctx context.Context, where string, arg any) (*Server, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT id, url, COALESCE(token, ''), created_at FROM rocketchat_servers WHERE "+where,
		arg,
	)
	var server Server
	err := row.Scan(&server.ID, &server.URL, &server.Token, &server.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *PostgresStore) FindServerByID(ctx context.Context, serverID string) (*Server, error) {
	return s.findServer(ctx, "id = $1", serverID)
}

func (s *PostgresStore) FindServerByURL(ctx context.Context, url string) (*Server, error) {
	return s.findServer(ctx, "url = $1", url)
}

func (s *PostgresStore) FindServerByToken(ctx context.Context, token string) (*Server, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.findServer(ctx, "token = $1", token)
}

func (s *PostgresStore) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT id, url, COALESCE(token, ''), created_at FROM rocketchat_servers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var server Server
		if err := rows.Scan(&server.ID, &server.URL, &server.Token, &server.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

const bindingColumns = "matrix_user_id, rocketchat_server_id, COALESCE(rocketchat_user_id, ''), " +
	"COALESCE(rocketchat_token, ''), COALESCE(rocketchat_username, ''), is_virtual_user, " +
	"last_message_sent, created_at, updated_at"

func scanBinding(row interface{ Scan(...any) error }) (Binding, error) {
	var binding Binding
	err := row.Scan(
		&binding.MatrixUserID,
		&binding.RocketchatServerID,
		&binding.RocketchatUserID,
		&binding.RocketchatToken,
		&binding.RocketchatUsername,
		&binding.IsVirtualUser,
		&binding.LastMessageSent,
		&binding.CreatedAt,
		&binding.UpdatedAt,
	)
	return binding, err
}

func (s *PostgresStore) UpsertBinding(ctx context.Context, params UpsertBindingParams) (Binding, bool, error) {
	now := time.Now().UTC()
	row := s.conn.QueryRowContext(ctx,
		"INSERT INTO users_on_rocketchat_servers "+
			"(matrix_user_id, rocketchat_server_id, rocketchat_user_id, rocketchat_token, rocketchat_username, is_virtual_user, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $7) "+
			"ON CONFLICT (matrix_user_id, rocketchat_server_id) DO NOTHING "+
			"RETURNING "+bindingColumns,
		params.MatrixUserID,
		params.RocketchatServerID,
		nullable(params.RocketchatUserID),
		nullable(params.RocketchatToken),
		nullable(params.RocketchatUsername),
		params.IsVirtualUser,
		now,
	)
	binding, err := scanBinding(row)
	if err == nil {
		return binding, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.FindBinding(ctx, params.MatrixUserID, params.RocketchatServerID)
		if err != nil {
			return Binding{}, false, err
		}
		return *existing, false, nil
	}
	if isUniqueViolation(err) {
		// The Rocket.Chat user id is already bound to a different Matrix user.
		return Binding{}, false, ErrConflict
	}
	return Binding{}, false, err
}

func (s *PostgresStore) FindBinding(ctx context.Context, userID id.UserID, serverID string) (*Binding, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+bindingColumns+" FROM users_on_rocketchat_servers "+
			"WHERE matrix_user_id = $1 AND rocketchat_server_id = $2",
		userID,
		serverID,
	)
	binding, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *PostgresStore) FindBindingByRocketchatUserID(ctx context.Context, serverID, rcUserID string) (*Binding, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT "+bindingColumns+" FROM users_on_rocketchat_servers "+
			"WHERE rocketchat_server_id = $1 AND rocketchat_user_id = $2",
		serverID,
		rcUserID,
	)
	binding, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (s *PostgresStore) SetBindingCredentials(ctx context.Context, userID id.UserID, serverID, rcUserID, token, username string) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE users_on_rocketchat_servers "+
			"SET rocketchat_user_id = $3, rocketchat_token = $4, rocketchat_username = $5, updated_at = $6 "+
			"WHERE matrix_user_id = $1 AND rocketchat_server_id = $2",
		userID,
		serverID,
		nullable(rcUserID),
		nullable(token),
		nullable(username),
		time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) SetLastMessageSent(ctx context.Context, userID id.UserID, serverID string, sent int64) error {
	// Guarded against going backwards so concurrent relays keep the counter
	// monotonic.
	res, err := s.conn.ExecContext(ctx,
		"UPDATE users_on_rocketchat_servers SET last_message_sent = $3, updated_at = $4 "+
			"WHERE matrix_user_id = $1 AND rocketchat_server_id = $2 AND last_message_sent < $3",
		userID,
		serverID,
		sent,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	// Zero rows means the counter already moved past sent, which is fine.
	_, err = res.RowsAffected()
	return err
}

func (s *PostgresStore) AddMembership(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO users_in_rooms (matrix_user_id, matrix_room_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (matrix_user_id, matrix_room_id) DO UPDATE SET left_at = NULL",
		userID,
		roomID,
		time.Now().UTC(),
	)
	return err
}

func (s *PostgresStore) MarkMembershipLeft(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE users_in_rooms SET left_at = $3 WHERE matrix_user_id = $1 AND matrix_room_id = $2",
		userID,
		roomID,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, userID id.UserID, roomID id.RoomID) error {
	_, err := s.conn.ExecContext(ctx,
		"DELETE FROM users_in_rooms WHERE matrix_user_id = $1 AND matrix_room_id = $2",
		userID,
		roomID,
	)
	return err
}

func (s *PostgresStore) ListMemberships(ctx context.Context, roomID id.RoomID) ([]Membership, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT matrix_user_id, matrix_room_id, left_at, created_at FROM users_in_rooms "+
			"WHERE matrix_room_id = $1 ORDER BY matrix_user_id",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Membership
	for rows.Next() {
		var (
			member Membership
			leftAt sql.NullTime
		)
		if err := rows.Scan(&member.MatrixUserID, &member.MatrixRoomID, &leftAt, &member.CreatedAt); err != nil {
			return nil, err
		}
		if leftAt.Valid {
			t := leftAt.Time
			member.LeftAt = &t
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresStore) MarkDelivery(ctx context.Context, source, deliveryID string) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO deliveries (source, delivery_id, received_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (source, delivery_id) DO NOTHING",
		source,
		deliveryID,
		time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
