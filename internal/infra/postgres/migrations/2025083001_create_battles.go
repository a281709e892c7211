package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

//go:embed 0001_create_battles.sql
var createBattlesSQL string

var Migrations = migrate.NewMigrations()

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(createBattlesSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.Exec(`
				DROP TABLE IF EXISTS user_battle_stats;
				DROP TABLE IF EXISTS battle_responses;
				DROP TABLE IF EXISTS battle_questions;
				DROP TABLE IF EXISTS battles;
				DROP TABLE IF EXISTS question_options;
				DROP TABLE IF EXISTS questions;
				DROP TABLE IF EXISTS subjects`)
			return err
		},
	)
}
