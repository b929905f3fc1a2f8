package sqlinline

const QSelectCreditBalance = `--sql 5c2f0a18-6f4e-4f3a-9a2d-64c1b5f0d911
select credits from user_credits where user_id = $1::uuid;
`

const QInsertCreditBalance = `--sql 0b1dd5c7-41de-44e5-9f5c-2a7b8c1e6a02
insert into user_credits(user_id, credits, updated_at)
values ($1::uuid, $2::int, now())
on conflict (user_id) do nothing
returning credits;
`

const QDeductCredits = `--sql 9a64c2ef-7f20-4f21-8d4e-bb0d2f3c5e13
update user_credits
set credits = credits - $2::int, updated_at = now()
where user_id = $1::uuid and credits >= $2::int
returning credits;
`

const QAddCredits = `--sql d3f7b8a1-22c4-4e0d-9b6a-7e8f9c0d1a24
insert into user_credits(user_id, credits, updated_at)
values ($1::uuid, $2::int, now())
on conflict (user_id) do update
set credits = user_credits.credits + excluded.credits, updated_at = now()
returning credits;
`

const QInsertCreditEvent = `--sql 4e9a0c3b-8d15-4a6f-b2e7-1f0a9b8c7d35
insert into credit_events(id, user_id, amount, reason, created_at)
values (gen_random_uuid(), $1::uuid, $2::int, $3::text, now());
`
