// Package grid holds the slippy-tile math used to carve a project's area of
// interest into square tasks and to derive child geometries when a task is
// split.
package grid

import (
	"fmt"
	"math"

	"taskgrid/internal/domain"
)

func tileLon(x, z int) float64 {
	return float64(x)/math.Pow(2, float64(z))*360.0 - 180.0
}

func tileLat(y, z int) float64 {
	rad := math.Atan(math.Sinh(math.Pi - (2.0*math.Pi*float64(y))/math.Pow(2, float64(z))))
	return rad * 180.0 / math.Pi
}

// TileBBox converts a tile's x/y/zoom to its WGS84 bounding box
// (west, south, east, north).
func TileBBox(x, y, zoom int) (west, south, east, north float64) {
	north = tileLat(y, zoom)
	south = tileLat(y+1, zoom)
	west = tileLon(x, zoom)
	east = tileLon(x+1, zoom)
	return west, south, east, north
}

// TileGeometry renders a tile's bounding box as a GeoJSON polygon string.
func TileGeometry(x, y, zoom int) string {
	w, s, e, n := TileBBox(x, y, zoom)
	return fmt.Sprintf(
		`{"type":"Polygon","coordinates":[[[%.6f,%.6f],[%.6f,%.6f],[%.6f,%.6f],[%.6f,%.6f],[%.6f,%.6f]]]}`,
		w, s, e, s, e, n, w, n, w, s)
}

// MakeTasks builds the square task grid covering the tile rectangle
// [minX,maxX] x [minY,maxY] at the given zoom. Task ids are assigned in
// row-major order starting at 1.
func MakeTasks(projectID int64, minX, minY, maxX, maxY, zoom int) []domain.Task {
	var tasks []domain.Task
	id := int64(1)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			tasks = append(tasks, domain.Task{
				ID:        id,
				ProjectID: projectID,
				X:         x,
				Y:         y,
				Zoom:      zoom,
				IsSquare:  true,
				Geometry:  TileGeometry(x, y, zoom),
				Status:    domain.StatusReady,
			})
			id++
		}
	}
	return tasks
}

// ChildTiles returns the four tiles covering a parent tile at one deeper
// zoom level.
func ChildTiles(x, y int) [4][2]int {
	return [4][2]int{
		{2 * x, 2 * y},
		{2*x + 1, 2 * y},
		{2 * x, 2*y + 1},
		{2*x + 1, 2*y + 1},
	}
}
