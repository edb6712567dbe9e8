package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS uploads (
	id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	tenant TEXT NOT NULL,
	filename TEXT NOT NULL,
	blob_key TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL,
	row_count BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT uploads_tenant_nonempty CHECK (tenant <> ''),
	CONSTRAINT uploads_filename_nonempty CHECK (filename <> ''),
	CONSTRAINT uploads_size_nonneg CHECK (size_bytes >= 0),
	CONSTRAINT uploads_row_count_nonneg CHECK (row_count >= 0),
	CONSTRAINT uploads_status_enum CHECK (status IN ('received', 'parsed', 'failed'))
);

CREATE INDEX IF NOT EXISTS uploads_tenant_idx ON uploads (tenant);
CREATE INDEX IF NOT EXISTS uploads_tenant_created_idx ON uploads (tenant, created_at DESC);
`
