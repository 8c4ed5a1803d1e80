package database

// Statements are applied one by one so the DSN does not need multiStatements.
var schema = []string{`
CREATE TABLE IF NOT EXISTS accounts (
    identity_key VARCHAR(191) PRIMARY KEY,
    bonus_credits INT NOT NULL DEFAULT 0,
    credits INT NOT NULL DEFAULT 0,
    is_subscribed TINYINT(1) NOT NULL DEFAULT 0,
    is_trial_active TINYINT(1) NOT NULL DEFAULT 0,
    trial_started_at DATETIME(6) NULL,
    trial_ends_at DATETIME(6) NULL,
    credits_awarded TINYINT(1) NOT NULL DEFAULT 0,
    rating_bonus_awarded TINYINT(1) NOT NULL DEFAULT 0,
    verification_bonus_awarded TINYINT(1) NOT NULL DEFAULT 0,
    device_id VARCHAR(191) NULL,
    migrated_to VARCHAR(191) NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
    KEY idx_accounts_device (device_id),
    KEY idx_accounts_trial (is_trial_active, trial_ends_at),
    CONSTRAINT chk_accounts_credits CHECK (credits >= 0 AND bonus_credits >= 0)
)`, `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id CHAR(36) PRIMARY KEY,
    identity_key VARCHAR(191) NOT NULL,
    delta INT NOT NULL,
    idempotency_key VARCHAR(191) NULL,
    tx_type VARCHAR(32) NOT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    UNIQUE KEY uniq_credit_tx_idempotency (idempotency_key),
    KEY idx_credit_tx_identity (identity_key, created_at),
    FOREIGN KEY (identity_key) REFERENCES accounts(identity_key)
)`, `
CREATE TABLE IF NOT EXISTS generations (
    id CHAR(36) PRIMARY KEY,
    identity_key VARCHAR(191) NOT NULL,
    style_key VARCHAR(64) NOT NULL,
    prompt TEXT NULL,
    original_image_url VARCHAR(1024) NOT NULL,
    generated_image_url VARCHAR(1024) NULL,
    status VARCHAR(16) NOT NULL,
    is_edited TINYINT(1) NOT NULL DEFAULT 0,
    batch_id CHAR(36) NULL,
    error_message TEXT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
    KEY idx_generations_identity (identity_key, created_at),
    KEY idx_generations_batch (batch_id)
)`, `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id CHAR(36) PRIMARY KEY,
    generation_id CHAR(36) NOT NULL,
    live_generation_id CHAR(36) NULL,
    identity_key VARCHAR(191) NOT NULL,
    style_key VARCHAR(64) NOT NULL,
    prompt TEXT NULL,
    source_image_url VARCHAR(1024) NOT NULL,
    mime_type VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL,
    claimed_at DATETIME(6) NULL,
    claimed_by VARCHAR(64) NULL,
    next_attempt_at DATETIME(6) NULL,
    last_error TEXT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
    UNIQUE KEY uniq_jobs_live_generation (live_generation_id),
    KEY idx_jobs_claim (status, next_attempt_at, created_at),
    KEY idx_jobs_identity (identity_key, status),
    FOREIGN KEY (generation_id) REFERENCES generations(id) ON DELETE CASCADE
)`, `
CREATE TABLE IF NOT EXISTS webhook_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    provider VARCHAR(32) NOT NULL,
    event_id VARCHAR(191) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    payload MEDIUMTEXT NULL,
    processed_at DATETIME(6) NULL,
    processing_error TEXT NULL,
    created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
    UNIQUE KEY uniq_webhook_provider_event (provider, event_id)
)`,
}
