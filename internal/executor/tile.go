package executor

// tile is one enumerated rectangular region of the source image.
type tile struct {
	X, Y, W, H int
}

// iterTiles enumerates tiles in row-major order: rows at y = 0, step,
// 2*step, ... while y < height; within each row, columns at the same
// cadence while x < width. The last tile in each row/column is clipped to
// the image bounds rather than overlapping past the edge.
func iterTiles(width, height, tileSize, overlap int) []tile {
	step := tileSize - overlap
	if step <= 0 {
		step = tileSize
	}

	var tiles []tile
	for y := 0; y < height; y += step {
		h := tileSize
		if height-y < h {
			h = height - y
		}
		for x := 0; x < width; x += step {
			w := tileSize
			if width-x < w {
				w = width - x
			}
			tiles = append(tiles, tile{X: x, Y: y, W: w, H: h})
		}
	}
	return tiles
}
