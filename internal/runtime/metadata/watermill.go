package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies watermill message metadata.
func FromWatermill(md message.Metadata) Metadata {
	return Metadata(md).Clone()
}

// ToWatermill copies metadata into a watermill map.
func ToWatermill(md Metadata) message.Metadata {
	return message.Metadata(md.Clone())
}

// Stamp copies md onto msg without replacing keys msg already carries.
func Stamp(msg *message.Message, md Metadata) {
	if msg == nil {
		return
	}
	for k, v := range md {
		if msg.Metadata.Get(k) == "" {
			msg.Metadata.Set(k, v)
		}
	}
}
