package sqlinline

const QInsertGeneration = `--sql 7d1e4f2a-9c3b-4d5e-8f6a-0b1c2d3e4f56
insert into generations(id, user_id, fingerprint, prediction_id, prompt, width, height, status, created_at)
values ($1::uuid, nullif($2, '')::uuid, $3::text, $4::text, $5::text, $6::int, $7::int, $8::text, now());
`

const QCompleteGeneration = `--sql a2b3c4d5-e6f7-4a8b-9c0d-1e2f3a4b5c67
update generations
set status = $2::text, image_url = $3::text, cost_usd = $4::numeric, completed_at = now()
where prediction_id = $1::text;
`

const QSelectGenerationsByUser = `--sql 3f4a5b6c-7d8e-4f9a-b0c1-d2e3f4a5b678
select id, coalesce(user_id::text, ''), coalesce(fingerprint, ''), prediction_id, prompt,
       width, height, status, coalesce(image_url, ''), coalesce(cost_usd, 0),
       created_at, coalesce(completed_at, created_at)
from generations
where user_id = $1::uuid
order by created_at desc
limit $2::int;
`
