package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_deposits (
	tx_hash BYTEA PRIMARY KEY,
	listing_id TEXT NOT NULL,
	amount_usd NUMERIC(20,6) NOT NULL,
	payer_address BYTEA NOT NULL,
	payer_email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	escrow_address BYTEA NOT NULL,
	block_number BIGINT NOT NULL DEFAULT 0,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT payer_address_len CHECK (octet_length(payer_address) = 20),
	CONSTRAINT escrow_address_len CHECK (octet_length(escrow_address) = 20),
	CONSTRAINT amount_positive CHECK (amount_usd > 0),
	CONSTRAINT status_valid CHECK (status IN ('pending', 'confirmed', 'rejected'))
);

CREATE INDEX IF NOT EXISTS escrow_deposits_listing_idx ON escrow_deposits (listing_id);
`
