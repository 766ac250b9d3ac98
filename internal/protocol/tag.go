package protocol

import "fmt"

// FrameTag is the decoded form of the integer sequence tag carried by every
// wire sub-chunk. Total <= 1 means the frame was not split.
type FrameTag struct {
	Frame int64
	Part  int
	Total int
}

// Pack encodes the tag into its wire integer. The inverse of DecodeTag.
func (t FrameTag) Pack() int64 {
	if t.Total <= 1 {
		return t.Frame * TagFrameBase
	}
	return t.Frame*TagFrameBase + int64(t.Part) + int64(t.Total)*TagPartsMultiplier
}

// PackTag validates and encodes a frame tag. Frames above MaxFrameParts parts
// cannot be represented and are rejected here, before anything is sent.
func PackTag(frame int64, part, total int) (int64, error) {
	if frame < 0 || frame > MaxFrameNumber {
		return 0, fmt.Errorf("frame number %d out of range", frame)
	}
	if total > MaxFrameParts {
		return 0, fmt.Errorf("frame %d needs %d parts, max is %d", frame, total, MaxFrameParts)
	}
	if total > 1 && (part < 0 || part >= total) {
		return 0, fmt.Errorf("part %d out of range for %d-part frame", part, total)
	}
	return FrameTag{Frame: frame, Part: part, Total: total}.Pack(), nil
}

// DecodeTag recovers the frame number, part index and declared part count
// from a wire tag. Negative tags belong to the reserved out-of-band band and
// are not frame tags.
func DecodeTag(tag int64) (FrameTag, error) {
	if tag < 0 {
		return FrameTag{}, fmt.Errorf("tag %d is in the reserved signal band", tag)
	}
	rem := tag % TagFrameBase
	ft := FrameTag{
		Frame: tag / TagFrameBase,
		Part:  int(rem % TagPartsMultiplier),
		Total: int(rem / TagPartsMultiplier),
	}
	if ft.Total == 0 {
		if ft.Part != 0 {
			return FrameTag{}, fmt.Errorf("tag %d declares part %d without a part count", tag, ft.Part)
		}
		ft.Total = 1
	}
	return ft, nil
}

// IsReservedTag reports whether tag lies in the out-of-band signal band.
func IsReservedTag(tag int64) bool {
	return tag >= ReservedTagMin && tag <= ReservedTagMax
}
