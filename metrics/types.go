package metrics

// Policy defines how reported values for one metric are combined.
type Policy int

const (
	PolicyNone      Policy = iota // No specific policy specified
	PolicySet                     // Instantaneous value - last value wins (gauge)
	PolicySum                     // Sum of all values (counter)
	PolicyHistogram               // Histogram statistics
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "set"
	case PolicySum:
		return "sum"
	case PolicyHistogram:
		return "histogram"
	default:
		return "none"
	}
}

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs, exported as labels.
type Dimension map[string]string
