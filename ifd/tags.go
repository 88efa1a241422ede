package ifd

// Baseline, TIFF/EP and DNG tags read by this module.
const (
	TagNewSubfileType  uint16 = 0x00FE
	TagImageWidth      uint16 = 0x0100
	TagImageLength     uint16 = 0x0101
	TagBitsPerSample   uint16 = 0x0102
	TagCompression     uint16 = 0x0103
	TagPhotometric     uint16 = 0x0106
	TagMake            uint16 = 0x010F
	TagModel           uint16 = 0x0110
	TagStripOffsets    uint16 = 0x0111
	TagOrientation     uint16 = 0x0112
	TagSamplesPerPixel uint16 = 0x0115
	TagRowsPerStrip    uint16 = 0x0116
	TagStripByteCounts uint16 = 0x0117
	TagPlanarConfig    uint16 = 0x011C
	TagPredictor       uint16 = 0x013D
	TagTileWidth       uint16 = 0x0142
	TagTileLength      uint16 = 0x0143
	TagTileOffsets     uint16 = 0x0144
	TagTileByteCounts  uint16 = 0x0145
	TagSubIFDs         uint16 = 0x014A
	TagSampleFormat    uint16 = 0x0153

	TagCFARepeatPatternDim uint16 = 0x828D
	TagCFAPattern          uint16 = 0x828E
	TagExifIFD             uint16 = 0x8769

	TagDNGVersion    uint16 = 0xC612
	TagBlackLevel    uint16 = 0xC61A
	TagWhiteLevel    uint16 = 0xC61D
	TagAsShotNeutral uint16 = 0xC628
)

// Compression values.
const (
	CompressionNone         = 1
	CompressionLZW          = 5
	CompressionOldJPEG      = 6
	CompressionJPEG         = 7
	CompressionDeflate      = 8
	CompressionDeflateAdobe = 32946
)

// Photometric interpretations.
const (
	PhotometricMinIsBlack = 1
	PhotometricRGB        = 2
	PhotometricYCbCr      = 6
	PhotometricCFA        = 32803
	PhotometricLinearRaw  = 34892
)

// Field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
	typeIFD       = 13
)

var typeSizes = [...]uint32{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
	typeIFD:       4,
}
