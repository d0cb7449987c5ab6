package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// statements are applied in order and must stay idempotent; the
// application runs them on every startup.
var statements = []string{
	`create table if not exists channels (
		id integer primary key,
		created_at timestamp not null,
		external_id text not null unique,
		title text not null,
		uploads_playlist_id text not null,
		thumbnail_url text not null,
		custom_url text,
		username text,
		processed boolean not null default false
	)`,
	`create unique index if not exists channels_username on channels (username) where username is not null`,
	`create table if not exists videos (
		id integer primary key,
		created_at timestamp not null,
		external_id text not null unique,
		channel_external_id text not null,
		title text not null,
		description text not null,
		thumbnail_url text not null,
		published_at timestamp not null,
		processed_for text not null default '[]',
		links_resolved boolean not null default false
	)`,
	`create index if not exists videos_channel_published on videos (channel_external_id, published_at desc)`,
	`create table if not exists collaborations (
		id integer primary key,
		created_at timestamp not null,
		channel_a_external_id text not null,
		channel_b_external_id text not null,
		video_external_id text not null,
		check (channel_a_external_id < channel_b_external_id)
	)`,
	`create unique index if not exists collaborations_pair_video on collaborations (channel_a_external_id, channel_b_external_id, video_external_id)`,
	`create index if not exists collaborations_channel_b on collaborations (channel_b_external_id)`,
	`create table if not exists url_lookups (
		id integer primary key,
		created_at timestamp not null,
		original text not null unique,
		resolved text not null,
		is_username boolean not null default false
	)`,
	`create table if not exists search_results (
		id integer primary key,
		created_at timestamp not null,
		search_term text not null,
		kind text not null,
		result_id text not null,
		title text not null,
		position integer not null
	)`,
	`create index if not exists search_results_term_kind on search_results (search_term, kind, position)`,
	`create table if not exists history (
		id integer primary key,
		created_at timestamp not null,
		channel_external_id text not null unique,
		popularity integer not null default 1
	)`,
	`create table if not exists jobs (
		id integer primary key,
		created_at timestamp not null,
		queue_name text not null,
		payload text not null,
		run_after timestamp not null,
		failure_delay integer not null,
		attempts_remaining integer not null,
		reserved_at timestamp,
		reserved_until timestamp,
		finished_at timestamp,
		error_messages text not null default '[]',
		output_messages text not null default '[]'
	)`,
	`create index if not exists jobs_queue_name_run_after on jobs (queue_name, run_after)`,
	`drop view if exists collaboration_details`,
	`create view collaboration_details as
		select
			collaborations.id as collaboration_id,
			collaborations.created_at as collaboration_created_at,
			collaborations.channel_a_external_id as channel_a_external_id,
			a.title as channel_a_title,
			a.thumbnail_url as channel_a_thumbnail_url,
			collaborations.channel_b_external_id as channel_b_external_id,
			b.title as channel_b_title,
			b.thumbnail_url as channel_b_thumbnail_url,
			collaborations.video_external_id as video_external_id,
			videos.title as video_title,
			videos.published_at as video_published_at
		from collaborations
		inner join channels a on a.external_id = collaborations.channel_a_external_id
		inner join channels b on b.external_id = collaborations.channel_b_external_id
		inner join videos on videos.external_id = collaborations.video_external_id`,
}

func Apply(ctx context.Context, db *sql.DB) error {
	for i, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("schema.Apply: could not apply statement %d: %w", i, err)
		}
	}

	return nil
}
