package database

// Schema is the full DDL, applied by `lens-admin init` and asserted by
// `lens-check`. Statements are idempotent so re-running is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    name        text NOT NULL,
    api_key     text NOT NULL UNIQUE,
    created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id  uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id  text NOT NULL,
    user_id     text,
    started_at  timestamptz NOT NULL DEFAULT now(),
    ended_at    timestamptz,
    event_seq   bigint NOT NULL DEFAULT 0,
    metadata    jsonb NOT NULL DEFAULT '{}',
    created_at  timestamptz NOT NULL DEFAULT now(),
    UNIQUE (project_id, session_id)
);

CREATE TABLE IF NOT EXISTS error_groups (
    id                uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id        uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    fingerprint       text NOT NULL,
    pattern_hash      text NOT NULL,
    title             text NOT NULL,
    message_template  text NOT NULL,
    stack_pattern     text NOT NULL DEFAULT '',
    url_pattern       text NOT NULL DEFAULT '',
    first_seen        timestamptz NOT NULL,
    last_seen         timestamptz NOT NULL,
    total_occurrences bigint NOT NULL DEFAULT 1 CHECK (total_occurrences >= 1),
    unique_users      bigint NOT NULL DEFAULT 0,
    status            text NOT NULL DEFAULT 'open'
                      CHECK (status IN ('open','investigating','resolved','ignored')),
    priority          text NOT NULL DEFAULT 'medium'
                      CHECK (priority IN ('critical','high','medium','low')),
    assigned_to       text,
    tags              text[] NOT NULL DEFAULT '{}',
    metadata          jsonb NOT NULL DEFAULT '{}',
    created_at        timestamptz NOT NULL DEFAULT now(),
    updated_at        timestamptz NOT NULL DEFAULT now(),
    UNIQUE (project_id, fingerprint),
    CHECK (first_seen <= last_seen)
);

CREATE TABLE IF NOT EXISTS error_group_users (
    error_group_id  uuid NOT NULL REFERENCES error_groups(id) ON DELETE CASCADE,
    user_id         text NOT NULL,
    PRIMARY KEY (error_group_id, user_id)
);

CREATE TABLE IF NOT EXISTS errors (
    id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id      uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id      uuid REFERENCES sessions(id) ON DELETE SET NULL,
    seq             bigint,
    error_group_id  uuid REFERENCES error_groups(id) ON DELETE SET NULL,
    fingerprint     text,
    message         text NOT NULL,
    error_class     text NOT NULL DEFAULT '',
    stack_trace     text NOT NULL DEFAULT '',
    url             text NOT NULL DEFAULT '',
    severity        text NOT NULL DEFAULT 'error',
    status_code     integer,
    user_id         text,
    user_agent      text NOT NULL DEFAULT '',
    metadata        jsonb NOT NULL DEFAULT '{}',
    created_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_events (
    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id  uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id  uuid NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq         bigint NOT NULL,
    event_type  text NOT NULL,
    ts          timestamptz NOT NULL,
    payload     jsonb NOT NULL DEFAULT '{}',
    created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS network_events (
    id            uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id    uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id    uuid NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq           bigint NOT NULL,
    method        text NOT NULL,
    url           text NOT NULL,
    status_code   integer NOT NULL DEFAULT 0,
    duration_ms   bigint NOT NULL DEFAULT 0,
    request_size  bigint NOT NULL DEFAULT 0,
    response_size bigint NOT NULL DEFAULT 0,
    ts            timestamptz NOT NULL,
    metadata      jsonb NOT NULL DEFAULT '{}',
    created_at    timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_statistics (
    id              uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id      uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    error_group_id  uuid NOT NULL REFERENCES error_groups(id) ON DELETE CASCADE,
    time_bucket     timestamptz NOT NULL,
    error_count     bigint NOT NULL DEFAULT 0,
    unique_users    bigint NOT NULL DEFAULT 0,
    unique_sessions bigint NOT NULL DEFAULT 0,
    updated_at      timestamptz NOT NULL DEFAULT now(),
    UNIQUE (project_id, error_group_id, time_bucket)
);

CREATE TABLE IF NOT EXISTS device_analytics (
    id                uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id        uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    session_id        uuid NOT NULL UNIQUE REFERENCES sessions(id) ON DELETE CASCADE,
    browser           text NOT NULL DEFAULT '',
    browser_version   text NOT NULL DEFAULT '',
    os                text NOT NULL DEFAULT '',
    os_version        text NOT NULL DEFAULT '',
    device_type       text NOT NULL DEFAULT '',
    screen_resolution text NOT NULL DEFAULT '',
    language          text NOT NULL DEFAULT '',
    created_at        timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id  uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    key         text NOT NULL,
    -- NULL while the first request with this key is still in flight.
    response    jsonb,
    created_at  timestamptz NOT NULL DEFAULT now(),
    UNIQUE (project_id, key)
);

CREATE TABLE IF NOT EXISTS webhook_endpoints (
    id          uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    project_id  uuid NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    url         text NOT NULL,
    secret      text NOT NULL,
    events      text[] NOT NULL DEFAULT '{}',
    active      boolean NOT NULL DEFAULT true,
    fail_count  integer NOT NULL DEFAULT 0,
    created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_errors_project_created
    ON errors (project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_errors_group
    ON errors (error_group_id);
CREATE INDEX IF NOT EXISTS idx_errors_session_seq
    ON errors (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_groups_pattern
    ON error_groups (project_id, pattern_hash, last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_groups_project_last_seen
    ON error_groups (project_id, last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_session_events_session_seq
    ON session_events (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_network_events_session_seq
    ON network_events (session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_project_started
    ON sessions (project_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_stats_project_bucket
    ON error_statistics (project_id, time_bucket);
CREATE INDEX IF NOT EXISTS idx_idempotency_created
    ON idempotency_keys (created_at);
CREATE INDEX IF NOT EXISTS idx_webhooks_project
    ON webhook_endpoints (project_id);
`
