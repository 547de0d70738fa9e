package model

import "fmt"

// Shape is the requested form of an allocation. It is a tagged variant:
// exactly one concrete type is attached to any request, never a bag of
// independently-nullable fields.
type Shape interface {
	fmt.Stringer
	shapeTag()
}

// NumBoardsShape asks for a count of boards, placed wherever they fit.
type NumBoardsShape struct {
	NumBoards int
}

func (NumBoardsShape) shapeTag() {}

func (s NumBoardsShape) String() string {
	return fmt.Sprintf("boards:%d", s.NumBoards)
}

// DimensionsShape asks for a width x height rectangle of triads.
type DimensionsShape struct {
	Width  int
	Height int
}

func (DimensionsShape) shapeTag() {}

func (s DimensionsShape) String() string {
	return fmt.Sprintf("triads:%dx%d", s.Width, s.Height)
}

// BoardShape asks for one specific board. Physical-coordinate and IP-address
// requests are resolved to a board id before the request is queued.
type BoardShape struct {
	BoardID int32
}

func (BoardShape) shapeTag() {}

func (s BoardShape) String() string {
	return fmt.Sprintf("board:%d", s.BoardID)
}

// AllocRequest is a queued request for boards, one-to-one with a job that is
// still awaiting placement.
type AllocRequest struct {
	ReqID     int32
	JobID     int32
	MachineID int32
	Shape     Shape
	// Number of dead boards tolerated inside a claimed rectangle.
	MaxDeadBoards int
	// Importance accrual rate, fixed at enqueue time from the shape.
	Priority int
	// Accrued scheduling weight; bumped by Priority after each engine pass
	// that leaves the request unallocated.
	Importance int
}

// EstimatedBoards returns the number of boards the request will consume if
// granted, used for quota admission. Rectangles claim full triad depth.
func (r *AllocRequest) EstimatedBoards() int {
	switch s := r.Shape.(type) {
	case NumBoardsShape:
		return s.NumBoards
	case DimensionsShape:
		return s.Width * s.Height * TriadDepth
	case BoardShape:
		return 1
	}
	return 0
}
