package sqlinline

const QEnsureProjectionSchema = `--sql 003fe377-bf7c-45a8-9299-1124a9dc9eba
create table if not exists generations (
  id text primary key,
  provider text not null,
  model text not null,
  input jsonb,
  output_format text not null default '',
  expected_count int not null,
  annotations jsonb not null default '{}'::jsonb,
  error jsonb,
  created_at timestamptz not null,
  completed_at timestamptz,
  updated_at timestamptz not null default now()
);
create table if not exists artifacts (
  id uuid primary key,
  generation_id text not null references generations(id) on delete cascade,
  storage_key text not null,
  content_type text not null,
  output_index int not null,
  seed bigint,
  cost double precision,
  metadata jsonb,
  created_at timestamptz not null
);
create index if not exists artifacts_generation_idx on artifacts(generation_id, output_index);
`

const QUpsertGeneration = `--sql 8c1ecd45-8176-4791-8baf-d20d8523c6b2
insert into generations(
  id,
  provider,
  model,
  input,
  output_format,
  expected_count,
  annotations,
  error,
  created_at,
  completed_at,
  updated_at
) values (
  $1::text,
  $2::text,
  $3::text,
  $4::jsonb,
  $5::text,
  $6::int,
  coalesce($7::jsonb, '{}'::jsonb),
  $8::jsonb,
  $9::timestamptz,
  $10::timestamptz,
  now()
)
on conflict (id) do update set
  provider = excluded.provider,
  model = excluded.model,
  input = excluded.input,
  output_format = excluded.output_format,
  expected_count = excluded.expected_count,
  annotations = excluded.annotations,
  error = excluded.error,
  completed_at = coalesce(generations.completed_at, excluded.completed_at),
  updated_at = now();
`

const QMarkGenerationCompleted = `--sql 544503d3-a8a3-4ae0-9163-b7b047a31ce5
update generations
set completed_at = coalesce(completed_at, $2::timestamptz),
    error = coalesce($3::jsonb, error),
    updated_at = now()
where id = $1::text;
`

// QInsertArtifactsPrefix is completed at runtime with one value tuple per
// artifact and QInsertArtifactsSuffix.
const QInsertArtifactsPrefix = `--sql 2321e3bc-4d2a-425b-9735-542d7471d2ec
insert into artifacts(
  id,
  generation_id,
  storage_key,
  content_type,
  output_index,
  seed,
  cost,
  metadata,
  created_at
) values
`

const QInsertArtifactsSuffix = `
on conflict (id) do nothing;`

const QListArtifactsByGeneration = `--sql 18520ab1-73b6-43aa-90e0-54b7c67d5a69
select id, storage_key, content_type, output_index, seed, cost, metadata, created_at
from artifacts
where generation_id = $1::text
order by output_index asc, created_at asc;
`

const QPing = `--sql 5e7b2c1d-9a4f-4c3e-8b6a-2f1d0e9c8b7a
select 1;
`
