package db

// SchemaSQL defines the job table and the indexes the dispatcher scans.
const SchemaSQL = `
    -- ==========================================================================
    -- JOB TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS owner_id ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string
        ASSERT $value IN ["pending", "processing", "completed", "failed", "cancelled"];
    DEFINE FIELD IF NOT EXISTS progress ON job TYPE int DEFAULT 0
        ASSERT $value >= 0 AND $value <= 100;
    DEFINE FIELD IF NOT EXISTS source ON job TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS page_range ON job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS options ON job TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS result_key ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS error ON job TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS retry_count ON job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS max_retries ON job TYPE int DEFAULT 3;
    DEFINE FIELD IF NOT EXISTS warnings ON job TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS stats ON job TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS cancel_requested ON job TYPE bool DEFAULT false;
    -- Dispatch lease: claimed_by/lease_until are set while processing.
    DEFINE FIELD IF NOT EXISTS claimed_by ON job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS lease_until ON job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS available_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS created_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated_at ON job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS completed_at ON job TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status, available_at;
    DEFINE INDEX IF NOT EXISTS job_owner ON job FIELDS owner_id;
`
