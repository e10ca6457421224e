package sv

// DataType identifies the encoding of a protocol message body.
type DataType int32

// Body data types of the SPEC server protocol. The server uses TypeString for
// nearly everything scalar; the array types carry packed row-major element
// data with the shape in the header rows/cols fields.
const (
	TypeDouble     DataType = 1  // SV_DOUBLE, one 8-byte float
	TypeString     DataType = 2  // SV_STRING, ASCII text
	TypeError      DataType = 3  // SV_ERROR, error text
	TypeAssoc      DataType = 4  // SV_ASSOC, associative array
	TypeArrDouble  DataType = 5  // SV_ARR_DOUBLE
	TypeArrFloat   DataType = 6  // SV_ARR_FLOAT
	TypeArrLong    DataType = 7  // SV_ARR_LONG
	TypeArrULong   DataType = 8  // SV_ARR_ULONG
	TypeArrShort   DataType = 9  // SV_ARR_SHORT
	TypeArrUShort  DataType = 10 // SV_ARR_USHORT
	TypeArrChar    DataType = 11 // SV_ARR_CHAR
	TypeArrUChar   DataType = 12 // SV_ARR_UCHAR
	TypeArrString  DataType = 13 // SV_ARR_STRING, fixed-width rows of cols bytes
	TypeArrLong64  DataType = 14 // SV_ARR_LONG64
	TypeArrULong64 DataType = 15 // SV_ARR_ULONG64
)

var dataTypeNameMap = map[DataType]string{
	TypeDouble:     "double",
	TypeString:     "string",
	TypeError:      "error",
	TypeAssoc:      "assoc",
	TypeArrDouble:  "arr.double",
	TypeArrFloat:   "arr.float",
	TypeArrLong:    "arr.long",
	TypeArrULong:   "arr.ulong",
	TypeArrShort:   "arr.short",
	TypeArrUShort:  "arr.ushort",
	TypeArrChar:    "arr.char",
	TypeArrUChar:   "arr.uchar",
	TypeArrString:  "arr.string",
	TypeArrLong64:  "arr.long64",
	TypeArrULong64: "arr.ulong64",
}

// elemSizeMap maps numeric array types to their element width in bytes.
var elemSizeMap = map[DataType]int{
	TypeArrDouble:  8,
	TypeArrFloat:   4,
	TypeArrLong:    4,
	TypeArrULong:   4,
	TypeArrShort:   2,
	TypeArrUShort:  2,
	TypeArrChar:    1,
	TypeArrUChar:   1,
	TypeArrLong64:  8,
	TypeArrULong64: 8,
}

// String returns a readable name for the data type, e.g. "arr.double".
func (t DataType) String() string {
	if name, ok := dataTypeNameMap[t]; ok {
		return name
	}
	return "unknown"
}

// IsArray reports whether the type is one of the array types, including
// TypeArrString.
func (t DataType) IsArray() bool {
	return t >= TypeArrDouble && t <= TypeArrULong64
}

// IsNumericArray reports whether the type is an array of fixed-width numeric
// elements.
func (t DataType) IsNumericArray() bool {
	_, ok := elemSizeMap[t]
	return ok
}

// ElemSize returns the element width in bytes for numeric array types, or 0
// for any other type.
func (t DataType) ElemSize() int {
	return elemSizeMap[t]
}
