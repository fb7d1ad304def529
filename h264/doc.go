// Package h264 provides the small slice of H.264 bitstream knowledge the
// receive pipeline needs: NAL unit header fields, Annex-B and length-prefixed
// framing, SEI message walking, and access unit sync classification.
//
// It does not decode slices. Classification looks at NAL unit types, at the
// slice_type of each slice header, and at the user_data_unregistered SEI
// messages emitted by Parrot Dragon encoders.
package h264
