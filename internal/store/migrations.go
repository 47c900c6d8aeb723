package store

// Timestamps are Unix milliseconds; NULL means absent.
const schema = `
CREATE TABLE IF NOT EXISTS stores (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    url           TEXT NOT NULL,
    last_crawl_at INTEGER,
    is_crawling   BOOLEAN NOT NULL DEFAULT 0,
    robots_rules  TEXT,
    created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS crawl_jobs (
    id                TEXT PRIMARY KEY,
    store_id          TEXT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
    enqueued_at       INTEGER NOT NULL,
    started_at        INTEGER,
    finished_at       INTEGER,
    status            TEXT NOT NULL CHECK (status IN ('queued', 'running', 'done', 'failed')),
    attempt           INTEGER NOT NULL CHECK (attempt >= 1),
    result_count      INTEGER,
    blocked_by_robots BOOLEAN,
    blocked_rule      TEXT,
    error_details     TEXT,
    trigger           TEXT NOT NULL DEFAULT 'schedule'
);

CREATE INDEX IF NOT EXISTS idx_crawl_jobs_store ON crawl_jobs(store_id);
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_enqueued ON crawl_jobs(enqueued_at);
CREATE INDEX IF NOT EXISTS idx_crawl_jobs_status ON crawl_jobs(status);

CREATE TABLE IF NOT EXISTS deals (
    id            TEXT PRIMARY KEY,
    store_id      TEXT NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
    title         TEXT NOT NULL,
    url           TEXT NOT NULL,
    canonical_url TEXT NOT NULL,
    dedup_key     TEXT NOT NULL,
    image         TEXT,
    price         REAL NOT NULL,
    currency      TEXT NOT NULL,
    msrp          REAL,
    percent_off   INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    UNIQUE(dedup_key, store_id)
);

CREATE INDEX IF NOT EXISTS idx_deals_store ON deals(store_id);
CREATE INDEX IF NOT EXISTS idx_deals_percent_off ON deals(percent_off);
CREATE INDEX IF NOT EXISTS idx_deals_price ON deals(price);

CREATE TABLE IF NOT EXISTS price_history (
    id      TEXT PRIMARY KEY,
    deal_id TEXT NOT NULL REFERENCES deals(id) ON DELETE CASCADE,
    price   REAL NOT NULL,
    at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_history_deal ON price_history(deal_id);

CREATE TABLE IF NOT EXISTS workflow_steps (
    job_id       TEXT NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
    step         TEXT NOT NULL,
    output       TEXT NOT NULL DEFAULT '',
    completed_at INTEGER NOT NULL,
    PRIMARY KEY (job_id, step)
);
`
