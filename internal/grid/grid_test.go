package grid

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func TestTileBBoxKnownTile(t *testing.T) {
	// tile 0/0/0 covers the whole web-mercator world
	w, s, e, n := TileBBox(0, 0, 0)
	if w != -180 || e != 180 {
		t.Fatalf("west/east = %f/%f", w, e)
	}
	if math.Abs(n-85.0511) > 0.001 || math.Abs(s+85.0511) > 0.001 {
		t.Fatalf("north/south = %f/%f", n, s)
	}
}

func TestTileBBoxEdgesLineUp(t *testing.T) {
	// adjacent tiles share an edge
	_, _, e1, _ := TileBBox(5, 5, 10)
	w2, _, _, _ := TileBBox(6, 5, 10)
	if e1 != w2 {
		t.Fatalf("east of x=5 is %f, west of x=6 is %f", e1, w2)
	}
	_, s1, _, _ := TileBBox(5, 5, 10)
	_, _, _, n2 := TileBBox(5, 6, 10)
	if s1 != n2 {
		t.Fatalf("south of y=5 is %f, north of y=6 is %f", s1, n2)
	}
}

func TestTileGeometryIsClosedPolygon(t *testing.T) {
	geo := TileGeometry(100, 200, 12)
	if !strings.HasPrefix(geo, `{"type":"Polygon"`) {
		t.Fatalf("geometry = %s", geo)
	}
	var parsed struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	}
	if err := json.Unmarshal([]byte(geo), &parsed); err != nil {
		t.Fatalf("geometry is not valid JSON: %v", err)
	}
	if len(parsed.Coordinates) != 1 {
		t.Fatalf("rings = %d, want 1", len(parsed.Coordinates))
	}
	ring := parsed.Coordinates[0]
	// the ring must close on its first point
	if len(ring) != 5 || ring[0] != ring[4] {
		t.Fatalf("ring = %v", ring)
	}
}

func TestMakeTasksRowMajor(t *testing.T) {
	tasks := MakeTasks(7, 10, 20, 12, 21, 14)
	if len(tasks) != 6 {
		t.Fatalf("tasks = %d, want 6", len(tasks))
	}
	for i, task := range tasks {
		if task.ID != int64(i+1) {
			t.Fatalf("task %d has id %d", i, task.ID)
		}
		if task.ProjectID != 7 || task.Zoom != 14 || !task.IsSquare {
			t.Fatalf("task %d = %+v", i, task)
		}
	}
	// ids walk x first, then y
	if tasks[0].X != 10 || tasks[0].Y != 20 || tasks[3].X != 10 || tasks[3].Y != 21 {
		t.Fatalf("order: first=%d,%d fourth=%d,%d", tasks[0].X, tasks[0].Y, tasks[3].X, tasks[3].Y)
	}
}

func TestChildTilesCoverParent(t *testing.T) {
	children := ChildTiles(3, 5)
	want := map[[2]int]bool{{6, 10}: true, {7, 10}: true, {6, 11}: true, {7, 11}: true}
	for _, c := range children {
		if !want[c] {
			t.Fatalf("unexpected child %v", c)
		}
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing children: %v", want)
	}

	// the children's union bbox equals the parent bbox
	pw, ps, pe, pn := TileBBox(3, 5, 8)
	cw, _, _, cn := TileBBox(6, 10, 9)
	_, cs, ce, _ := TileBBox(7, 11, 9)
	if cw != pw || cn != pn || ce != pe || cs != ps {
		t.Fatalf("child bbox %f,%f,%f,%f != parent %f,%f,%f,%f", cw, cs, ce, cn, pw, ps, pe, pn)
	}
}
