package hal

// WholeSize may be used as a barrier size to cover everything from the offset to the end of a buffer
const WholeSize = -1

type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

type Offset3D struct {
	X, Y, Z int
}

type Extent3D struct {
	Width, Height, Depth int
}

type ImageSubresourceLayers struct {
	AspectMask     ImageAspectFlags
	MipLevel       int
	BaseArrayLayer int
	LayerCount     int
}

type ImageSubresourceRange struct {
	AspectMask     ImageAspectFlags
	BaseMipLevel   int
	LevelCount     int
	BaseArrayLayer int
	LayerCount     int
}

// BufferImageCopy describes a copy from tightly-packed buffer data into one image subresource.
// A zero BufferRowLength or BufferImageHeight means the buffer data is packed according to
// ImageExtent.
type BufferImageCopy struct {
	BufferOffset      int
	BufferRowLength   int
	BufferImageHeight int

	ImageSubresource ImageSubresourceLayers
	ImageOffset      Offset3D
	ImageExtent      Extent3D
}

type BufferBarrier struct {
	Buffer    Buffer
	SrcAccess AccessFlags
	DstAccess AccessFlags
	Offset    int
	Size      int
}

type ImageBarrier struct {
	Image            Image
	SrcAccess        AccessFlags
	DstAccess        AccessFlags
	OldLayout        ImageLayout
	NewLayout        ImageLayout
	SubresourceRange ImageSubresourceRange
}
