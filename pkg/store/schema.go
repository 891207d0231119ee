// Copyright 2024-2026 Aiku AI

package store

// schema is applied at startup. Constraints carry the mapping invariants:
// a Rocket.Chat channel binds to at most one Matrix room, admin rooms never
// carry a channel id, server URLs and tokens are unique, and a Rocket.Chat
// user id binds to at most one Matrix user per server.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	matrix_room_id       TEXT PRIMARY KEY,
	display_name         TEXT NOT NULL DEFAULT '',
	rocketchat_server_id TEXT,
	rocketchat_room_id   TEXT,
	is_admin_room        BOOLEAN NOT NULL DEFAULT FALSE,
	is_bridged           BOOLEAN NOT NULL DEFAULT FALSE,
	state                TEXT NOT NULL DEFAULT 'unbridged',
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	CONSTRAINT admin_rooms_have_no_channel
		CHECK (NOT (is_admin_room AND rocketchat_room_id IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS rooms_rocketchat_room_idx
	ON rooms (rocketchat_server_id, rocketchat_room_id)
	WHERE rocketchat_room_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS rocketchat_servers (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL UNIQUE,
	token      TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS rocketchat_servers_token_idx
	ON rocketchat_servers (token)
	WHERE token IS NOT NULL AND token <> '';

CREATE TABLE IF NOT EXISTS users_on_rocketchat_servers (
	matrix_user_id       TEXT NOT NULL,
	rocketchat_server_id TEXT NOT NULL REFERENCES rocketchat_servers (id),
	rocketchat_user_id   TEXT,
	rocketchat_token     TEXT,
	rocketchat_username  TEXT,
	is_virtual_user      BOOLEAN NOT NULL DEFAULT FALSE,
	last_message_sent    BIGINT NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (matrix_user_id, rocketchat_server_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS users_on_rocketchat_servers_rc_user_idx
	ON users_on_rocketchat_servers (rocketchat_server_id, rocketchat_user_id)
	WHERE rocketchat_user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS users_in_rooms (
	matrix_user_id TEXT NOT NULL,
	matrix_room_id TEXT NOT NULL,
	left_at        TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (matrix_user_id, matrix_room_id)
);

CREATE TABLE IF NOT EXISTS deliveries (
	source      TEXT NOT NULL,
	delivery_id TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, delivery_id)
);
`
