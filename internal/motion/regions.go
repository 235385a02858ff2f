package motion

import (
	"watchpost/internal/pipeline"
)

// groupRegions returns the pixel bounding rectangle of every 4-connected
// component of flagged blocks, clipped to the frame, in row-major order of
// each component's first block
func groupRegions(flags []bool, cols, rows, blockSize, width, height int) []pipeline.Region {
	visited := make([]bool, len(flags))
	var regions []pipeline.Region
	var queue []int

	for start, flagged := range flags {
		if !flagged || visited[start] {
			continue
		}

		minX, minY := cols, rows
		maxX, maxY := -1, -1
		visited[start] = true
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			i := queue[0]
			queue = queue[1:]
			x, y := i%cols, i/cols
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || ny < 0 || nx >= cols || ny >= rows {
					continue
				}
				j := ny*cols + nx
				if flags[j] && !visited[j] {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}

		x0, y0 := minX*blockSize, minY*blockSize
		x1 := min((maxX+1)*blockSize, width)
		y1 := min((maxY+1)*blockSize, height)
		regions = append(regions, pipeline.Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0})
	}
	return regions
}
