package models

// Sample represents a single row of the training table: one chest X-ray
// and the two lung masks drawn over it.
type Sample struct {
	// ImagePath is the path of the input X-ray image
	ImagePath string

	// RightMaskPath is the path of the right lung mask (0 background, 255 lung)
	RightMaskPath string

	// LeftMaskPath is the path of the left lung mask (0 background, 255 lung)
	LeftMaskPath string
}

// Transform holds the random draws of one augmentation call.
// Keeping them in a value lets the same augmentation be replayed on
// another image, which is how image and mask stay aligned.
type Transform struct {
	// Angle is the counter-clockwise rotation in degrees
	Angle int

	// Flip mirrors the image horizontally when set
	Flip bool

	// Brightness multiplies the image intensities. 0 gives a black image,
	// 1 leaves it unchanged.
	Brightness float64
}

// Batch is one (input, target) pair handed to the training loop.
type Batch struct {
	// Input holds the images, shaped (batch, height, width, 3), scaled to [0,1]
	Input *Tensor

	// Target holds the combined masks with the same shape as Input
	Target *Tensor

	// Rows lists the table rows that filled the batch, in slot order.
	// Slots past len(Rows) are zero.
	Rows []int
}
