package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
	Admin   int64
	Mapper  int64
	Mapper2 int64
	Checker int64
	now     time.Time
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	env := &testEnv{Engine: eng, Ctx: context.Background(), now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.Engine.Now = clock
	env.Engine.History.Now = clock
	env.Engine.Notifier.Now = clock

	env.Admin = seedUser(t, env, "admin", domain.RoleAdmin, domain.LevelAdvanced)
	env.Mapper = seedUser(t, env, "mapper", domain.RoleMapper, domain.LevelBeginner)
	env.Mapper2 = seedUser(t, env, "mapper2", domain.RoleMapper, domain.LevelBeginner)
	env.Checker = seedUser(t, env, "checker", domain.RoleValidator, domain.LevelIntermediate)

	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name:     "test area",
		AuthorID: env.Admin,
		Zoom:     10,
		MinX:     100, MinY: 200, MaxX: 101, MaxY: 201,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, p.ID, domain.ProjectPublished); err != nil {
		t.Fatalf("publish project: %v", err)
	}
	p.Status = domain.ProjectPublished
	env.Project = p
	return env
}

func seedUser(t *testing.T, env *testEnv, name string, role domain.UserRole, level domain.MappingLevel) int64 {
	t.Helper()
	u := domain.User{
		Username:     name,
		Role:         role,
		MappingLevel: level,
		CreatedAt:    env.now.Format(time.RFC3339),
	}
	if err := env.Engine.Repo.InsertUser(env.Ctx, u); err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
	created, err := env.Engine.Repo.GetUserByUsername(env.Ctx, name)
	if err != nil {
		t.Fatalf("get user %s: %v", name, err)
	}
	return created.ID
}

func mapTask(t *testing.T, env *testEnv, taskID, userID int64) {
	t.Helper()
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, taskID, userID); err != nil {
		t.Fatalf("lock task %d: %v", taskID, err)
	}
	if _, err := env.Engine.UnlockTaskAfterMapping(env.Ctx, env.Project.ID, taskID, userID, domain.StatusMapped, ""); err != nil {
		t.Fatalf("unlock task %d: %v", taskID, err)
	}
}

func TestLockUnlockMappingFlow(t *testing.T) {
	env := newTestEnv(t)

	task, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if task.Status != domain.StatusLockedForMapping {
		t.Fatalf("status = %s, want LOCKED_FOR_MAPPING", task.Status)
	}
	if task.LockedBy == nil || *task.LockedBy != env.Mapper {
		t.Fatalf("locked_by = %v, want %d", task.LockedBy, env.Mapper)
	}

	env.advance(10 * time.Minute)
	task, err = env.Engine.UnlockTaskAfterMapping(env.Ctx, env.Project.ID, 1, env.Mapper, domain.StatusMapped, "done here")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if task.Status != domain.StatusMapped {
		t.Fatalf("status = %s, want MAPPED", task.Status)
	}
	if task.LockedBy != nil {
		t.Fatalf("lock not cleared")
	}
	if task.MappedBy == nil || *task.MappedBy != env.Mapper {
		t.Fatalf("mapped_by = %v, want %d", task.MappedBy, env.Mapper)
	}

	p, err := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.TasksMapped != 1 {
		t.Fatalf("tasks_mapped = %d, want 1", p.TasksMapped)
	}

	entries, err := env.Engine.Repo.ListTaskHistory(env.Ctx, env.Project.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	// lock + comment + state change
	if len(entries) != 3 {
		t.Fatalf("history rows = %d, want 3", len(entries))
	}
	if entries[0].Action != domain.ActionStateChange || entries[0].ActionText != "MAPPED" {
		t.Fatalf("newest entry = %s %q", entries[0].Action, entries[0].ActionText)
	}
	if entries[0].DurationSeconds == nil || *entries[0].DurationSeconds != 600 {
		t.Fatalf("duration = %v, want 600", entries[0].DurationSeconds)
	}

	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Mapper)
	if err != nil {
		t.Fatal(err)
	}
	if u.TasksMapped != 1 {
		t.Fatalf("user tasks_mapped = %d, want 1", u.TasksMapped)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	_, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper2)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeTaskAlreadyLocked {
		t.Fatalf("second lock err = %v, want TaskAlreadyLocked", err)
	}
}

func TestOneLockPerUserPerProject(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	_, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 2, env.Mapper)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeUserAlreadyHasLocked {
		t.Fatalf("err = %v, want UserAlreadyHasTaskLocked", err)
	}

	// the rule is per project: a lock elsewhere does not block
	other, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "other", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, other.ID, domain.ProjectPublished); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, other.ID, 1, env.Mapper); err != nil {
		t.Fatalf("lock in other project: %v", err)
	}
}

func TestStopMappingRevertsStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.StopMappingTask(env.Ctx, env.Project.ID, 1, env.Mapper, "")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if task.Status != domain.StatusReady {
		t.Fatalf("status = %s, want READY", task.Status)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksMapped != 0 {
		t.Fatalf("tasks_mapped = %d, want 0", p.TasksMapped)
	}
}

func TestPermissionGate(t *testing.T) {
	env := newTestEnv(t)

	t.Run("draft project rejects mappers", func(t *testing.T) {
		draft, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			Name: "draft", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
		})
		if err != nil {
			t.Fatal(err)
		}
		_, err = env.Engine.LockTaskForMapping(env.Ctx, draft.ID, 1, env.Mapper)
		var me engine.MappingServiceError
		if !errors.As(err, &me) || me.SubCode != engine.SubCodeProjectNotPublished {
			t.Fatalf("err = %v, want ProjectNotPublished", err)
		}
		// the author can still work on their draft
		if _, err := env.Engine.LockTaskForMapping(env.Ctx, draft.ID, 1, env.Admin); err != nil {
			t.Fatalf("author lock on draft: %v", err)
		}
	})

	t.Run("license must be accepted", func(t *testing.T) {
		licenseID := int64(7)
		licensed, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			Name: "licensed", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
			LicenseID: &licenseID,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, licensed.ID, domain.ProjectPublished); err != nil {
			t.Fatal(err)
		}
		_, err = env.Engine.LockTaskForMapping(env.Ctx, licensed.ID, 1, env.Mapper)
		var le engine.UserLicenseError
		if !errors.As(err, &le) || le.LicenseID != licenseID {
			t.Fatalf("err = %v, want UserLicenseError{7}", err)
		}
		if err := env.Engine.Repo.AcceptLicense(env.Ctx, env.Mapper, licenseID); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.LockTaskForMapping(env.Ctx, licensed.ID, 1, env.Mapper); err != nil {
			t.Fatalf("lock after accepting license: %v", err)
		}
	})

	t.Run("mapper level enforced", func(t *testing.T) {
		strict, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			Name: "experts only", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
			EnforceMapperLevel: true, MapperLevel: domain.LevelAdvanced,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, strict.ID, domain.ProjectPublished); err != nil {
			t.Fatal(err)
		}
		_, err = env.Engine.LockTaskForMapping(env.Ctx, strict.ID, 1, env.Mapper2)
		var me engine.MappingServiceError
		if !errors.As(err, &me) || me.SubCode != engine.SubCodeUserNotCorrectLevel {
			t.Fatalf("err = %v, want UserNotCorrectMappingLevel", err)
		}
	})

	t.Run("private project needs membership", func(t *testing.T) {
		private, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
			Name: "private", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
			Private: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, private.ID, domain.ProjectPublished); err != nil {
			t.Fatal(err)
		}
		_, err = env.Engine.LockTaskForMapping(env.Ctx, private.ID, 1, env.Mapper2)
		var me engine.MappingServiceError
		if !errors.As(err, &me) || me.SubCode != engine.SubCodeUserNotOnAllowedList {
			t.Fatalf("err = %v, want UserNotOnAllowedList", err)
		}
		if err := env.Engine.Repo.AddAllowedUser(env.Ctx, private.ID, env.Mapper2); err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.LockTaskForMapping(env.Ctx, private.ID, 1, env.Mapper2); err != nil {
			t.Fatalf("lock after allow-listing: %v", err)
		}
	})
}

func TestValidationBatchAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	// task 2 stays READY, so the batch must fail

	_, err := env.Engine.LockTasksForValidation(env.Ctx, env.Project.ID, []int64{1, 2}, env.Checker)
	var ve engine.ValidatorServiceError
	if !errors.As(err, &ve) || ve.SubCode != engine.SubCodeInvalidTaskState {
		t.Fatalf("err = %v, want InvalidTaskState", err)
	}

	// no lock may survive the failed batch
	t1, err := env.Engine.Repo.GetTask(env.Ctx, env.Project.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if t1.Status != domain.StatusMapped || t1.LockedBy != nil {
		t.Fatalf("task 1 = %s locked_by=%v, want MAPPED unlocked", t1.Status, t1.LockedBy)
	}
}

func TestValidationFlow(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	mapTask(t, env, 2, env.Mapper)

	locked, err := env.Engine.LockTasksForValidation(env.Ctx, env.Project.ID, []int64{1, 2}, env.Checker)
	if err != nil {
		t.Fatalf("lock for validation: %v", err)
	}
	if len(locked) != 2 {
		t.Fatalf("locked %d tasks, want 2", len(locked))
	}

	env.advance(5 * time.Minute)
	results := []engine.ValidatedTask{
		{TaskID: 1, Status: domain.StatusValidated},
		{TaskID: 2, Status: domain.StatusInvalidated, Comment: "missing buildings"},
	}
	unlocked, err := env.Engine.UnlockTasksAfterValidation(env.Ctx, env.Project.ID, results, env.Checker)
	if err != nil {
		t.Fatalf("unlock after validation: %v", err)
	}
	if unlocked[0].Status != domain.StatusValidated || unlocked[1].Status != domain.StatusInvalidated {
		t.Fatalf("statuses = %s, %s", unlocked[0].Status, unlocked[1].Status)
	}
	if unlocked[0].ValidatedBy == nil || *unlocked[0].ValidatedBy != env.Checker {
		t.Fatalf("validated_by = %v", unlocked[0].ValidatedBy)
	}

	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksMapped != 1 || p.TasksValidated != 1 {
		t.Fatalf("counters mapped=%d validated=%d, want 1/1", p.TasksMapped, p.TasksValidated)
	}

	checker, _ := env.Engine.Repo.GetUser(env.Ctx, env.Checker)
	if checker.TasksValidated != 1 {
		t.Fatalf("validator tasks_validated = %d, want 1", checker.TasksValidated)
	}
	mapper, _ := env.Engine.Repo.GetUser(env.Ctx, env.Mapper)
	if mapper.TasksInvalidated != 1 {
		t.Fatalf("mapper tasks_invalidated = %d, want 1", mapper.TasksInvalidated)
	}

	// the mapper is told about both verdicts
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ToUserID: env.Mapper})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("mapper messages = %d, want 2", len(msgs))
	}

	// an invalidated task can be locked for mapping again
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 2, env.Mapper); err != nil {
		t.Fatalf("relock invalidated: %v", err)
	}
}

func TestMentionNotifications(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatal(err)
	}
	// unknown users and self-mentions are skipped
	comment := "hard area, @checker please take a look; thanks @nobody @mapper"
	if _, err := env.Engine.UnlockTaskAfterMapping(env.Ctx, env.Project.ID, 1, env.Mapper, domain.StatusMapped, comment); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ToUserID: env.Checker})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("checker messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.MessageType != domain.MessageMention || m.Text != comment {
		t.Fatalf("message = %+v", m)
	}
	if m.FromUserID == nil || *m.FromUserID != env.Mapper {
		t.Fatalf("from_user = %v, want %d", m.FromUserID, env.Mapper)
	}

	own, err := env.Engine.Repo.ListMessages(env.Ctx, repo.MessageFilters{ToUserID: env.Mapper})
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 0 {
		t.Fatalf("mapper mentioned themselves, messages = %d", len(own))
	}
}

func TestValidatorRoleRequired(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	_, err := env.Engine.LockTasksForValidation(env.Ctx, env.Project.ID, []int64{1}, env.Mapper2)
	var ve engine.ValidatorServiceError
	if !errors.As(err, &ve) || ve.SubCode != engine.SubCodeUserNotValidator {
		t.Fatalf("err = %v, want UserNotValidator", err)
	}
}

func TestStopValidationRevertsStatuses(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	if _, err := env.Engine.LockTasksForValidation(env.Ctx, env.Project.ID, []int64{1}, env.Checker); err != nil {
		t.Fatal(err)
	}
	released, err := env.Engine.StopValidatingTasks(env.Ctx, env.Project.ID, []engine.StopValidationEntry{{TaskID: 1}}, env.Checker)
	if err != nil {
		t.Fatalf("stop validating: %v", err)
	}
	if released[0].Status != domain.StatusMapped {
		t.Fatalf("status = %s, want MAPPED", released[0].Status)
	}
}

func TestMapAllCounterConsistency(t *testing.T) {
	env := newTestEnv(t)
	n, err := env.Engine.MapAllTasks(env.Ctx, env.Project.ID, env.Admin)
	if err != nil {
		t.Fatalf("map all: %v", err)
	}
	if n != 4 {
		t.Fatalf("mapped %d, want 4", n)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksMapped != p.TotalTasks {
		t.Fatalf("tasks_mapped = %d, total = %d", p.TasksMapped, p.TotalTasks)
	}
	counts, err := env.Engine.Repo.CountTasksByStatus(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts["MAPPED"] != p.TasksMapped {
		t.Fatalf("counter drift: counted %d, cached %d", counts["MAPPED"], p.TasksMapped)
	}
}

func TestBulkOperatorsRequireManager(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.MapAllTasks(env.Ctx, env.Project.ID, env.Mapper)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeUserPermissionError {
		t.Fatalf("err = %v, want UserPermissionError", err)
	}
}

func TestResetAllClearsEverything(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	mapTask(t, env, 2, env.Mapper)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 3, env.Mapper2); err != nil {
		t.Fatal(err)
	}

	n, err := env.Engine.ResetAllTasks(env.Ctx, env.Project.ID, env.Admin)
	if err != nil {
		t.Fatalf("reset all: %v", err)
	}
	if n != 3 {
		t.Fatalf("reset %d tasks, want 3", n)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksMapped != 0 || p.TasksValidated != 0 || p.TasksBadImagery != 0 {
		t.Fatalf("counters not zeroed: %d/%d/%d", p.TasksMapped, p.TasksValidated, p.TasksBadImagery)
	}
	t1, _ := env.Engine.Repo.GetTask(env.Ctx, env.Project.ID, 1)
	if t1.Status != domain.StatusReady || t1.MappedBy != nil {
		t.Fatalf("task 1 = %s mapped_by=%v, want READY cleared", t1.Status, t1.MappedBy)
	}
}

func TestResetAllBadImagery(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UnlockTaskAfterMapping(env.Ctx, env.Project.ID, 1, env.Mapper, domain.StatusBadImagery, "clouds"); err != nil {
		t.Fatal(err)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksBadImagery != 1 {
		t.Fatalf("tasks_bad_imagery = %d, want 1", p.TasksBadImagery)
	}
	n, err := env.Engine.ResetAllBadImagery(env.Ctx, env.Project.ID, env.Admin)
	if err != nil || n != 1 {
		t.Fatalf("reset badimagery n=%d err=%v", n, err)
	}
	p, _ = env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksBadImagery != 0 {
		t.Fatalf("tasks_bad_imagery = %d after reset", p.TasksBadImagery)
	}
}

func TestUndoRequiresOriginalActor(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)

	_, err := env.Engine.UndoTaskStatus(env.Ctx, env.Project.ID, 1, env.Mapper2)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeUndoPermissionError {
		t.Fatalf("err = %v, want UndoPermissionError", err)
	}

	task, err := env.Engine.UndoTaskStatus(env.Ctx, env.Project.ID, 1, env.Mapper)
	if err != nil {
		t.Fatalf("undo by original actor: %v", err)
	}
	if task.Status != domain.StatusReady {
		t.Fatalf("status = %s, want READY", task.Status)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TasksMapped != 0 {
		t.Fatalf("tasks_mapped = %d after undo, want 0", p.TasksMapped)
	}
}

func TestSplitTask(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)

	// splitting requires holding the mapping lock
	_, err := env.Engine.SplitTask(env.Ctx, env.Project.ID, 2, env.Mapper)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeTaskNotLocked {
		t.Fatalf("split unlocked err = %v, want TaskNotLocked", err)
	}

	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 2, env.Mapper); err != nil {
		t.Fatal(err)
	}
	children, err := env.Engine.SplitTask(env.Ctx, env.Project.ID, 2, env.Mapper)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(children) != 4 {
		t.Fatalf("children = %d, want 4", len(children))
	}
	parent, _ := env.Engine.Repo.GetTask(env.Ctx, env.Project.ID, 2)
	if parent.Status != domain.StatusSplit {
		t.Fatalf("parent status = %s, want SPLIT", parent.Status)
	}
	for _, c := range children {
		if c.Zoom != parent.Zoom+1 || c.Status != domain.StatusReady || !c.IsSquare {
			t.Fatalf("child %d = zoom %d status %s", c.ID, c.Zoom, c.Status)
		}
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, env.Project.ID)
	if p.TotalTasks != env.Project.TotalTasks+3 {
		t.Fatalf("total_tasks = %d, want %d", p.TotalTasks, env.Project.TotalTasks+3)
	}

	// a SPLIT task is terminal
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 2, env.Mapper2); err == nil {
		t.Fatalf("expected error locking a split task")
	}
}

func TestAutoUnlockSweep(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, env.Project.ID, 1, env.Mapper); err != nil {
		t.Fatal(err)
	}

	// within the lease nothing happens
	n, err := env.Engine.AutoUnlockTasks(env.Ctx, env.Project.ID)
	if err != nil || n != 0 {
		t.Fatalf("early sweep n=%d err=%v", n, err)
	}

	env.advance(3 * time.Hour)
	n, err = env.Engine.AutoUnlockTasks(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d locks, want 1", n)
	}
	task, _ := env.Engine.Repo.GetTask(env.Ctx, env.Project.ID, 1)
	if task.Status != domain.StatusReady || task.LockedBy != nil {
		t.Fatalf("task = %s locked_by=%v, want READY unlocked", task.Status, task.LockedBy)
	}
	entries, _ := env.Engine.Repo.ListTaskHistory(env.Ctx, env.Project.ID, 1)
	if entries[0].Action != domain.ActionAutoUnlockedForMapping {
		t.Fatalf("newest action = %s, want AUTO_UNLOCKED_FOR_MAPPING", entries[0].Action)
	}
}

func TestProjectLockSecondsOverride(t *testing.T) {
	env := newTestEnv(t)
	short := int64(60)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Name: "short leases", AuthorID: env.Admin, Zoom: 10, MinX: 0, MinY: 0, MaxX: 0, MaxY: 0,
		TaskLockSeconds: &short,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdateProjectStatus(env.Ctx, p.ID, domain.ProjectPublished); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.LockTaskForMapping(env.Ctx, p.ID, 1, env.Mapper); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Minute)
	n, err := env.Engine.AutoUnlockTasks(env.Ctx, p.ID)
	if err != nil || n != 1 {
		t.Fatalf("override sweep n=%d err=%v", n, err)
	}
}

func TestMapperLevelPromotion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Levels.Intermediate = 2
	env.Engine.Config.Levels.Advanced = 3

	for i := int64(1); i <= 3; i++ {
		mapTask(t, env, i, env.Mapper)
	}
	u, err := env.Engine.Repo.GetUser(env.Ctx, env.Mapper)
	if err != nil {
		t.Fatal(err)
	}
	if u.MappingLevel != domain.LevelAdvanced {
		t.Fatalf("level = %s after 3 mapped, want ADVANCED", u.MappingLevel)
	}
}

func TestDeleteProjectBlockedByMappedTasks(t *testing.T) {
	env := newTestEnv(t)
	mapTask(t, env, 1, env.Mapper)
	err := env.Engine.DeleteProject(env.Ctx, env.Project.ID)
	var me engine.MappingServiceError
	if !errors.As(err, &me) || me.SubCode != engine.SubCodeProjectHasMappedTasks {
		t.Fatalf("err = %v, want ProjectHasMappedTasks", err)
	}
}
