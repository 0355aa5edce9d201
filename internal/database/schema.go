package database

var schema = []string{`
CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    telegram_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(255),
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    tier VARCHAR(16) NOT NULL DEFAULT 'free',
    trial_started_at DATETIME NULL,
    trial_ends_at DATETIME NULL,
    premium_started_at DATETIME NULL,
    premium_expires_at DATETIME NULL,
    daily_message_count INT NOT NULL DEFAULT 0,
    daily_count_reset_date CHAR(10) NOT NULL DEFAULT '',
    period_message_count INT NOT NULL DEFAULT 0,
    referral_count INT NOT NULL DEFAULT 0,
    is_unlocked TINYINT(1) NOT NULL DEFAULT 0,
    referred_by BIGINT NULL,
    last_activity_at DATETIME NULL,
    super_vip_since DATETIME NULL,
    super_vip_warned_at DATETIME NULL,
    streak_days INT NOT NULL DEFAULT 0,
    streak_date CHAR(10) NOT NULL DEFAULT '',
    milestones_achieved VARCHAR(64) NOT NULL DEFAULT '[]',
    campaign_marks TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CONSTRAINT chk_users_tier CHECK (tier IN ('free', 'trial', 'premium')),
    KEY idx_users_super_vip (super_vip_since)
)`, `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id VARCHAR(128) PRIMARY KEY,
    kind VARCHAR(64) NOT NULL,
    user_id BIGINT NOT NULL DEFAULT 0,
    fire_at DATETIME NOT NULL,
    cron_spec VARCHAR(64) NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 0,
    locked_by VARCHAR(64) NULL,
    locked_until DATETIME NULL,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_scheduled_jobs_due (fire_at, locked_until)
)`, `
CREATE TABLE IF NOT EXISTS pricing_plans (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    currency VARCHAR(8) NOT NULL,
    price_minor_units INT NOT NULL,
    duration_months INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    plan_id BIGINT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_payment_charge_id VARCHAR(128),
    currency VARCHAR(8) NOT NULL,
    amount INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
)`,
}
