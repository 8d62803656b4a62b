package sqlinline

const jobColumns = `id::text,
    message_id,
    channel_id,
    user_id,
    prompt,
    status,
    coalesce(external_task_id, ''),
    coalesce(model_url, ''),
    coalesce(preview_task_id, ''),
    coalesce(preview_model_url, ''),
    progress,
    coalesce(error_message, ''),
    version,
    created_at,
    updated_at`

const QInsertJob = `--sql 0d773153-43c9-47fa-b4bd-6ba9418cbb26
insert into generation_jobs (
    id, message_id, channel_id, user_id, prompt, status,
    external_task_id, model_url, preview_task_id, preview_model_url,
    progress, error_message, version, created_at, updated_at
)
values (
    gen_random_uuid(), $1::text, $2::text, $3::text, $4::text, $5::text,
    nullif($6::text, ''), nullif($7::text, ''), nullif($8::text, ''), nullif($9::text, ''),
    $10::int, nullif($11::text, ''), 1, now(), now()
)
returning id::text, version, created_at, updated_at;
`

// QUpdateJob only matches the row at the expected version; zero rows means a
// concurrent writer moved the job first.
const QUpdateJob = `--sql 22715faf-58c4-4f74-822e-bac7a4dc0b42
update generation_jobs
set status = $3::text,
    external_task_id = nullif($4::text, ''),
    model_url = nullif($5::text, ''),
    preview_task_id = nullif($6::text, ''),
    preview_model_url = nullif($7::text, ''),
    progress = $8::int,
    error_message = nullif($9::text, ''),
    version = version + 1,
    updated_at = now()
where id = $1::uuid
  and version = $2::bigint
returning version, updated_at;
`

const QSelectJobByID = `--sql a5afaef2-2ead-48a1-a877-1a6fc47f5aa1
select ` + jobColumns + `
from generation_jobs
where id = $1::uuid;
`

const QSelectJobByMessageID = `--sql afe58026-59a6-4453-a51c-e5b3343f5596
select ` + jobColumns + `
from generation_jobs
where message_id = $1::text
order by created_at desc
limit 1;
`

const QSelectJobsByStatus = `--sql 7a23fdde-90e6-4963-914f-f983fc71c9d2
select ` + jobColumns + `
from generation_jobs
where status = any($1::text[])
order by created_at desc
limit $2::int;
`
