package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"

	"soaring_tracker/internal/scoring"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *PostgresDB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool() error = %v", err)
	}
	return mock, NewPostgres(mock)
}

func TestLoadSite(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT name, latitude, longitude, elevation FROM site").
		WillReturnRows(pgxmock.NewRows([]string{"name", "latitude", "longitude", "elevation"}).
			AddRow("Lasham", 51.187, -1.033, 188.0))

	s, err := db.LoadSite(context.Background())
	if err != nil {
		t.Fatalf("LoadSite() error = %v", err)
	}
	if s.Name != "Lasham" || s.Elevation != 188 {
		t.Errorf("LoadSite() = %+v", s)
	}

	mock.ExpectQuery("FROM site").WillReturnError(pgx.ErrNoRows)
	if _, err := db.LoadSite(context.Background()); !errors.Is(err, ErrNoSite) {
		t.Errorf("LoadSite() error = %v, want ErrNoSite", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadRoster(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	cols := []string{"class", "compno", "name", "registration", "glider_type", "handicap", "device_id"}
	mock.ExpectQuery("SELECT class, compno, name, registration, glider_type, handicap").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("club", "KA", "A Pilot", "G-CKAB", "ASK 21", 92.0, "DD1234").
			AddRow("club", "B1", "B Pilot", "G-CKBB", "Discus", 100.0, "unknown"))

	pilots, err := db.LoadRoster(context.Background())
	if err != nil {
		t.Fatalf("LoadRoster() error = %v", err)
	}
	if len(pilots) != 2 {
		t.Fatalf("LoadRoster() = %d pilots", len(pilots))
	}
	if pilots[0].Key() != "club/KA" || pilots[0].Device != "DD1234" || pilots[0].Handicap != 92 {
		t.Errorf("pilot 0 = %+v", pilots[0])
	}
	if pilots[1].Device != "unknown" {
		t.Errorf("pilot 1 device = %q", pilots[1].Device)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestActiveTasks(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	mock.ExpectQuery("FROM tasks WHERE day = \\$1").
		WithArgs("2026-07-01").
		WillReturnRows(pgxmock.NewRows([]string{"id", "class", "type", "duration_s", "start_open"}).
			AddRow("t-club", "club", "A", 10800, int64(0)))
	legCols := []string{"legno", "name", "type", "direction", "latitude", "longitude", "r1", "r2", "a1", "a2", "a12", "handicap_index"}
	mock.ExpectQuery("FROM task_legs WHERE task_id = \\$1").
		WithArgs("t-club").
		WillReturnRows(pgxmock.NewRows(legCols).
			AddRow(0, "Start", "line", "np", 51.0, -1.0, 3.0, 0.0, 90.0, 0.0, 0.0, 0.0).
			AddRow(1, "Area", "sector", "symmetrical", 51.5, -1.0, 20.0, 0.0, 180.0, 0.0, 0.0, 0.0).
			AddRow(2, "Finish", "sector", "pp", 51.0, -1.0, 3.0, 0.0, 180.0, 0.0, 0.0, 0.0))

	defs, err := db.ActiveTasks(context.Background(), "2026-07-01")
	if err != nil {
		t.Fatalf("ActiveTasks() error = %v", err)
	}
	if len(defs) != 1 || len(defs[0].Legs) != 3 {
		t.Fatalf("ActiveTasks() = %+v", defs)
	}
	if defs[0].Duration != 10800 || float64(defs[0].Legs[1].Lat) != 51.5 {
		t.Errorf("definition = %+v", defs[0])
	}
	if _, err := defs[0].Build(); err != nil {
		t.Errorf("Build() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordAssociation(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE pilots SET device_id = NULL").
		WithArgs("club", "KA", "DD1234").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE pilots SET device_id = \\$3").
		WithArgs("club", "KA", "DD1234").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO association_history").
		WithArgs(pgxmock.AnyArg(), "2026-07-01", "club", "KA", "DD1234", pgxmock.AnyArg(), "ddb-match").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := db.RecordAssociation(context.Background(), AssociationRecord{
		Day: "2026-07-01", Class: "club", CompNo: "KA", Device: "DD1234", Reason: "ddb-match",
	})
	if err != nil {
		t.Fatalf("RecordAssociation() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordAssociationRollback(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE pilots SET device_id = NULL").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := db.RecordAssociation(context.Background(), AssociationRecord{Class: "club", CompNo: "KA", Device: "DD1234"})
	if err == nil {
		t.Fatal("RecordAssociation() error = nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpsertScores(t *testing.T) {
	mock, db := newMock(t)
	defer mock.Close()

	speed := 92.5
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scores").
		WithArgs("2026-07-01", "club", "KA", "t-club", "finished", 300.0, 310.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := db.UpsertScores(context.Background(), "2026-07-01", []ScoreRecord{{
		Class: "club", CompNo: "KA", TaskID: "t-club",
		Result: scoring.Result{Status: scoring.Finished, DistanceDone: 300, HandicapDistanceDone: 310, Speed: &speed},
	}})
	if err != nil {
		t.Fatalf("UpsertScores() error = %v", err)
	}
	if err := db.UpsertScores(context.Background(), "2026-07-01", nil); err != nil {
		t.Errorf("UpsertScores(nil) error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
