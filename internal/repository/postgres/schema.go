package postgres

// schema is applied by Migrate on every start.
//
// Emails are stored lower-cased; the unique index on profiles.email is what
// stops two concurrent registrations of one address from both completing.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL,
	first_name   TEXT NOT NULL DEFAULT '',
	last_name    TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL CHECK (role IN ('admin', 'editor', 'writer', 'employer')),
	display_name TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS profiles_email_key ON profiles (lower(email));

CREATE TABLE IF NOT EXISTS role_assignments (
	identity_id TEXT PRIMARY KEY,
	role        TEXT NOT NULL CHECK (role IN ('admin', 'editor', 'writer', 'employer')),
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS approval_grants (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL,
	role        TEXT NOT NULL CHECK (role IN ('admin', 'editor')),
	consumed    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	consumed_at TIMESTAMPTZ,
	UNIQUE (email, role)
);

CREATE OR REPLACE FUNCTION create_user_profile(
	p_id         TEXT,
	p_email      TEXT,
	p_first_name TEXT,
	p_last_name  TEXT,
	p_phone      TEXT,
	p_role       TEXT
) RETURNS JSONB
LANGUAGE plpgsql
AS $$
DECLARE
	v_display TEXT;
BEGIN
	v_display := btrim(coalesce(p_first_name, '') || ' ' || coalesce(p_last_name, ''));
	IF v_display = '' THEN
		v_display := split_part(p_email, '@', 1);
	END IF;

	INSERT INTO profiles (id, email, first_name, last_name, phone, role, display_name)
	VALUES (p_id, lower(p_email), coalesce(p_first_name, ''), coalesce(p_last_name, ''),
	        coalesce(p_phone, ''), p_role, v_display);

	INSERT INTO role_assignments (identity_id, role) VALUES (p_id, p_role);

	RETURN jsonb_build_object('success', true);
EXCEPTION
	WHEN unique_violation OR check_violation OR not_null_violation THEN
		RETURN jsonb_build_object('success', false, 'reason', SQLERRM);
END;
$$;
`
