package sqlinline

const QSelectJobSnapshot = `--sql 9b1f3c52-6d0e-4c7a-b8f1-2e4d5a6c7b80
select
  gr.id::text,
  gr.status,
  coalesce(gr.properties->>'character_context', ''),
  coalesce(gr.properties->>'error_message', ''),
  case
    when gr.status = 'QUEUED' then (
      select count(*)::int + 1
      from generation_requests q
      where q.status = 'QUEUED'
        and q.created_at < gr.created_at
    )
    else 0
  end,
  gr.created_at,
  gr.updated_at
from generation_requests gr
where gr.id = $1::uuid
limit 1;
`

const QSelectJobImages = `--sql 3c7e2a19-85d4-4f6b-9a0e-c1b2d3e4f5a6
select
  a.id::text,
  a.storage_key,
  coalesce(a.properties->>'thumbnail_key', '')
from assets a
where a.request_id = $1::uuid
order by a.created_at asc, a.id asc;
`
