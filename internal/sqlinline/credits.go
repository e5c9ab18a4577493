package sqlinline

const QGrantCredits = `--sql 3c1a76a5-54f2-4f0f-9a0e-6d12c4b7a9e1
insert into credit_transactions(id, user_id, delta, reason, tx_key, created_at)
values (gen_random_uuid(), $1::text, $2::int, 'grant', $3::text, now())
on conflict (tx_key) do nothing
returning id;
`

const QSelectBalance = `--sql 8f3d02c4-91bb-4e6e-b4e0-1a5a07c3d8b2
select coalesce(sum(delta), 0)
from credit_transactions
where user_id = $1::text;
`
