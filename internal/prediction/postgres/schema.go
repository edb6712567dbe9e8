package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS predictions (
	id UUID PRIMARY KEY,
	upload_id BIGINT NOT NULL REFERENCES uploads(id),
	tenant TEXT NOT NULL,
	status TEXT NOT NULL,
	output_blob_key TEXT,
	rows_processed BIGINT,
	metrics_json JSONB,
	error_message TEXT,
	queue_message_id TEXT,
	worker_id TEXT,
	heartbeat_at TIMESTAMPTZ,
	queued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT predictions_tenant_nonempty CHECK (tenant <> ''),
	CONSTRAINT predictions_status_enum CHECK (status IN ('queued', 'running', 'completed', 'failed')),
	CONSTRAINT predictions_completed_has_output CHECK (status <> 'completed' OR output_blob_key IS NOT NULL),
	CONSTRAINT predictions_failed_has_error CHECK (status <> 'failed' OR error_message IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS predictions_tenant_idx ON predictions (tenant);
CREATE INDEX IF NOT EXISTS predictions_tenant_created_idx ON predictions (tenant, created_at DESC);
CREATE INDEX IF NOT EXISTS predictions_upload_idx ON predictions (upload_id);
`
