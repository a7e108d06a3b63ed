// Package calldata builds contract call payloads for the token operations
// the settlement queue is allowed to execute.
//
// Arguments are checked here so callers get typed errors, then packed with
// the go-ethereum ABI encoder against tokenABI.
package calldata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrUnsupportedMethod = errors.New("calldata: unsupported method")
	ErrArityMismatch     = errors.New("calldata: argument count mismatch")
	ErrNegativeAmount    = errors.New("calldata: negative amount")
	ErrInvalidAddress    = errors.New("calldata: invalid address")
	ErrInvalidArgument   = errors.New("calldata: invalid argument")
)

// Settlement token ABI: the only methods the queue may call.
const tokenABI = `[
	{"inputs":[{"name":"amount","type":"uint256"}],"name":"burn","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"paused","type":"bool"}],"name":"setPaused","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// ArgType is a primitive ABI type.
type ArgType string

const (
	Uint256 ArgType = "uint256"
	Address ArgType = "address"
	Bool    ArgType = "bool"
)

// Method describes one entry of the token ABI.
type Method struct {
	Name string
	Args []ArgType
	abi  abi.Method
}

// Signature returns the canonical signature, e.g. "burn(uint256)".
func (m Method) Signature() string { return m.abi.Sig }

// Selector returns the 4-byte function selector.
func (m Method) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], m.abi.ID)
	return sel
}

var (
	parsedABI abi.ABI
	table     map[string]Method
)

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("calldata: parse token ABI: %v", err))
	}
	table = make(map[string]Method, len(parsedABI.Methods))
	for name, am := range parsedABI.Methods {
		args := make([]ArgType, len(am.Inputs))
		for i, in := range am.Inputs {
			args[i] = ArgType(in.Type.String())
		}
		table[name] = Method{Name: name, Args: args, abi: am}
	}
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Lookup returns the table entry for a method name.
func Lookup(name string) (Method, error) {
	m, ok := table[name]
	if !ok {
		return Method{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, name)
	}
	return m, nil
}

// Methods lists the supported method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Selector returns the hex selector ("0x" + 8 chars) for a method.
func Selector(name string) (string, error) {
	m, err := Lookup(name)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(m.abi.ID), nil
}

// Encode builds the calldata for method with the given ordered arguments.
func Encode(method string, args ...any) (string, error) {
	m, err := Lookup(method)
	if err != nil {
		return "", err
	}
	if len(args) != len(m.Args) {
		return "", fmt.Errorf("%w: %s expects %d, got %d", ErrArityMismatch, m.Signature(), len(m.Args), len(args))
	}

	values := make([]any, len(args))
	for i, typ := range m.Args {
		v, err := convertArg(typ, args[i])
		if err != nil {
			return "", fmt.Errorf("%s arg %d: %w", m.Signature(), i, err)
		}
		values[i] = v
	}

	packed, err := parsedABI.Pack(m.Name, values...)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidArgument, m.Signature(), err)
	}
	return hexutil.Encode(packed), nil
}

// IsEncodingError reports whether err was produced by Encode.
func IsEncodingError(err error) bool {
	return errors.Is(err, ErrUnsupportedMethod) ||
		errors.Is(err, ErrArityMismatch) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidArgument)
}

// convertArg validates v and returns the Go value the ABI packer expects
// for typ. The packer accepts negative and oversized *big.Int values, so
// range checks happen here.
func convertArg(typ ArgType, v any) (any, error) {
	switch typ {
	case Uint256:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		if n.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, n.String())
		}
		if n.Cmp(maxUint256) > 0 {
			return nil, fmt.Errorf("%w: value overflows uint256", ErrInvalidArgument)
		}
		return n, nil
	case Address:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: address must be a string, got %T", ErrInvalidAddress, v)
		}
		addr, err := NormalizeAddress(s)
		if err != nil {
			return nil, err
		}
		return common.HexToAddress(addr), nil
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: expected bool, got %T", ErrInvalidArgument, v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidArgument, typ)
}

// NormalizeAddress validates a 40-hex-char address (0x optional) and
// returns it lower-cased with a 0x prefix.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return "0x" + strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")), nil
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		// JSON round-trips decode numbers as float64.
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidArgument, n)
		}
		return big.NewInt(int64(n)), nil
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("%w: nil big.Int", ErrInvalidArgument)
		}
		return new(big.Int).Set(n), nil
	case json.Number:
		return parseDecimal(n.String())
	case string:
		return parseDecimal(n)
	}
	return nil, fmt.Errorf("%w: expected integer, got %T", ErrInvalidArgument, v)
}

func parseDecimal(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidArgument, s)
	}
	return n, nil
}

// Verify checks that inputData is well-formed calldata for method: the
// selector resolves to method in the token ABI and the arguments decode.
func Verify(method, inputData string) error {
	m, err := Lookup(method)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(inputData, "0x") && !strings.HasPrefix(inputData, "0X") {
		inputData = "0x" + inputData
	}
	data, err := hexutil.Decode(inputData)
	if err != nil {
		return fmt.Errorf("%w: calldata is not hex", ErrInvalidArgument)
	}
	if len(data) != 4+32*len(m.Args) {
		return fmt.Errorf("%w: %s calldata has %d bytes", ErrArityMismatch, m.Signature(), len(data))
	}

	found, err := parsedABI.MethodById(data[:4])
	if err != nil || found.Name != m.Name {
		return fmt.Errorf("%w: selector %s does not match %s", ErrInvalidArgument, hexutil.Encode(data[:4]), m.Signature())
	}
	if _, err := found.Inputs.Unpack(data[4:]); err != nil {
		return fmt.Errorf("%w: %s arguments: %v", ErrInvalidArgument, m.Signature(), err)
	}
	return nil
}
