package traffic

// Direction is one of the four approaches at a junction.
type Direction string

const (
	North Direction = "north"
	East  Direction = "east"
	South Direction = "south"
	West  Direction = "west"
)

// AllDirections is the canonical iteration order (N, E, S, W). Observation
// vectors and signal maps index directions in this order.
var AllDirections = []Direction{North, East, South, West}

// Opposite returns the directly opposing approach.
func (d Direction) Opposite() Direction {
	switch d {
	case North:
		return South
	case South:
		return North
	case East:
		return West
	case West:
		return East
	}
	return d
}

// Index returns the position of d in AllDirections, -1 if unknown.
func (d Direction) Index() int {
	for i, dd := range AllDirections {
		if dd == d {
			return i
		}
	}
	return -1
}

// CongestionLevel is the discrete classification of a density score.
// JAM only appears in prediction output, never in live tracking.
type CongestionLevel string

const (
	LevelLow    CongestionLevel = "LOW"
	LevelMedium CongestionLevel = "MEDIUM"
	LevelHigh   CongestionLevel = "HIGH"
	LevelJam    CongestionLevel = "JAM"
)

// Rank orders levels so thresholds can be compared (LOW < MEDIUM < HIGH < JAM).
func (l CongestionLevel) Rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelJam:
		return 3
	}
	return -1
}

// Source tags where a vehicle observation came from.
type Source string

const (
	SourceAPI        Source = "API"
	SourceSimulation Source = "SIMULATION"
	SourceManual     Source = "MANUAL"
)

// VehicleClass is the coarse vehicle type used by detection records and the
// violation fine table.
type VehicleClass string

const (
	ClassCar       VehicleClass = "car"
	ClassBus       VehicleClass = "bus"
	ClassTruck     VehicleClass = "truck"
	ClassAuto      VehicleClass = "auto"
	ClassBike      VehicleClass = "bike"
	ClassEmergency VehicleClass = "emergency"
)

// Vehicle slot geometry in pixels: 20 px body plus 10 px gap.
const (
	vehicleBodyPx = 20
	vehicleGapPx  = 10
	slotPx        = vehicleBodyPx + vehicleGapPx
)

// Road is one directed carriageway between two junctions.
type Road struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	LengthPx     float64 `json:"length_px"`
	Lanes        int     `json:"lanes"`
	SpeedLimit   float64 `json:"speed_limit,omitempty"` // px/s, 0 = unposted
	FromJunction string  `json:"from_junction,omitempty"`
	ToJunction   string  `json:"to_junction,omitempty"`
}

// Capacity is the number of vehicle slots the road holds, never below one.
func (r Road) Capacity() int {
	c := int(r.LengthPx/slotPx) * r.Lanes
	if c < 1 {
		c = 1
	}
	return c
}

// Junction is a four-way intersection. Connections maps each approach to the
// id of the road feeding that approach.
type Junction struct {
	ID          string               `json:"id"`
	X           float64              `json:"x"`
	Y           float64              `json:"y"`
	Connections map[Direction]string `json:"connections"`
}

// Vehicle is a point observation of one vehicle on one road.
type Vehicle struct {
	ID     string       `json:"id"`
	Plate  string       `json:"plate,omitempty"`
	RoadID string       `json:"road_id"`
	X      float64      `json:"x"`
	Y      float64      `json:"y"`
	Speed  float64      `json:"speed"` // px/s
	Class  VehicleClass `json:"class,omitempty"`
}
