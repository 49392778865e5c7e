package domain

// RegisterType is the Modbus table a tag lives in.
type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
	RegisterTypeInputRegister   RegisterType = "input_register"
)

// DataType is how the raw register bytes are interpreted.
type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUInt16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUInt32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
)

// ByteOrder is the word/byte layout of multi-register values.
type ByteOrder string

const (
	ByteOrderBigEndian    ByteOrder = "ABCD"
	ByteOrderLittleEndian ByteOrder = "DCBA"
	ByteOrderMidBigEndian ByteOrder = "BADC"
	ByteOrderMidLitEndian ByteOrder = "CDAB"
)

// Tag maps one field-bus value onto one attribute of the device's data model.
type Tag struct {
	// ID is the attribute identifier the value is reported under
	ID string `json:"id" yaml:"id"`

	RegisterType  RegisterType `json:"register_type" yaml:"register_type"`
	Address       uint16       `json:"address" yaml:"address"`
	RegisterCount uint16       `json:"register_count" yaml:"register_count"`
	DataType      DataType     `json:"data_type" yaml:"data_type"`
	ByteOrder     ByteOrder    `json:"byte_order,omitempty" yaml:"byte_order,omitempty"`

	// BitPosition selects a single bit of a register for bool tags
	BitPosition *uint8 `json:"bit_position,omitempty" yaml:"bit_position,omitempty"`

	// ScaleFactor and Offset map raw values to engineering units: v*ScaleFactor + Offset
	ScaleFactor float64 `json:"scale_factor" yaml:"scale_factor"`
	Offset      float64 `json:"offset" yaml:"offset"`

	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`

	// Writable tags are bound as settable attributes
	Writable bool `json:"writable" yaml:"writable"`
	Enabled  bool `json:"enabled" yaml:"enabled"`
}

// Validate checks the tag definition and fills in register count and scale defaults.
func (t *Tag) Validate() error {
	if t.ID == "" {
		return ErrTagIDRequired
	}
	switch t.RegisterType {
	case RegisterTypeCoil, RegisterTypeDiscreteInput:
		if t.Writable && t.RegisterType == RegisterTypeDiscreteInput {
			return ErrTagNotWritable
		}
		if t.RegisterCount == 0 {
			t.RegisterCount = 1
		}
		if t.DataType == "" {
			t.DataType = DataTypeBool
		}
	case RegisterTypeHoldingRegister, RegisterTypeInputRegister:
		if t.Writable && t.RegisterType == RegisterTypeInputRegister {
			return ErrTagNotWritable
		}
		if t.RegisterCount == 0 {
			t.RegisterCount = t.DataType.RegisterCount()
		}
	default:
		return ErrInvalidRegisterType
	}

	if t.DataType.RegisterCount() == 0 {
		return ErrInvalidDataType
	}
	if t.ScaleFactor == 0 {
		t.ScaleFactor = 1.0
	}
	if t.ByteOrder == "" {
		t.ByteOrder = ByteOrderBigEndian
	}
	return nil
}

// IsWritable reports whether the tag accepts setpoints.
func (t *Tag) IsWritable() bool {
	return t.Writable &&
		(t.RegisterType == RegisterTypeCoil || t.RegisterType == RegisterTypeHoldingRegister)
}

// RegisterCount returns how many 16-bit registers the data type occupies.
func (d DataType) RegisterCount() uint16 {
	switch d {
	case DataTypeBool, DataTypeInt16, DataTypeUInt16:
		return 1
	case DataTypeInt32, DataTypeUInt32, DataTypeFloat32:
		return 2
	default:
		return 0
	}
}
