package sqlinline

const QEnsureRequestStates = `--sql 415b9d1b-dd86-4499-871f-77487f3913cb
create table if not exists request_states (
  id text primary key,
  snapshot text not null,
  completed boolean not null default false,
  created_at timestamptz not null,
  updated_at timestamptz not null default now()
);
`

const QSelectRequestState = `--sql fadaa9bd-42cc-4001-9023-33c85bb10be3
select snapshot
from request_states
where id = $1;
`

const QUpsertRequestState = `--sql ffdef7de-135a-434f-a62f-c401b921cc2d
insert into request_states (id, snapshot, completed, created_at, updated_at)
values ($1, $2, $3, $4, now())
on conflict (id) do update set
  snapshot = excluded.snapshot,
  completed = excluded.completed,
  updated_at = now();
`

const QListRequestStates = `--sql 50dd02c2-75c9-4719-ac54-42fca3486f7b
select snapshot
from request_states
order by created_at asc, id asc;
`

const QListActiveRequestStates = `--sql 6db322f7-a48b-48f7-bce0-e1b0c8fee284
select snapshot
from request_states
where completed = false
order by created_at asc, id asc;
`
