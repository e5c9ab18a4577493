package sqlinline

const QInsertUsageEvent = `--sql 6b9f1d37-2c44-4f6a-8d03-e57a921cf4b8
insert into usage_events(id, user_id, request_id, event_type, success, latency_ms, created_at, properties)
values (gen_random_uuid(), $1::text, $2::text, $3::text, $4::boolean, $5::int, now(), coalesce($6::jsonb, '{}'::jsonb));
`
