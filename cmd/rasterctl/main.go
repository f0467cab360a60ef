// Command rasterctl inspects, reads and imports tiled rasters.
package main

func main() {
	Execute()
}
