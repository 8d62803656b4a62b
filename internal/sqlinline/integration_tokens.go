package sqlinline

const QSelectIntegrationToken = `--sql a1425433-7da3-47ba-b86a-26549df30787
select token
from integration_tokens
where provider = $1::text
  and revoked_at is null
limit 1;
`

const QUpsertIntegrationToken = `--sql 1d821b7a-337f-484e-a2ae-2152e9f10a7d
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    revoked_at = null,
    updated_at = now();
`
