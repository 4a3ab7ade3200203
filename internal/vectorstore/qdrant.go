package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// PointMeta is the filterable metadata stored alongside each vector. RowID is
// the back-reference to the relational row that owns the vector.
type PointMeta struct {
	RowID     int64
	UserID    string
	SessionID string
	AgentName string
	Tags      []string
}

// Point is a single vector entry.
type Point struct {
	ID     string
	Vector []float32
	Meta   PointMeta
}

// Query is a similarity search scoped to one user, optionally narrowed by
// tags. All requested tags must be present on a candidate.
type Query struct {
	Vector     []float32
	UserID     string
	Tags       []string
	Limit      uint64
	ScoreFloor float32
}

// Hit is a single search result.
type Hit struct {
	ID    string
	Score float32
	Meta  PointMeta
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg Config) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
	}, nil
}

// EnsureCollection creates the configured collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: c.collection})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", c.collection, err)
	}
	return nil
}

// Upsert inserts or updates a single point.
func (c *Client) Upsert(ctx context.Context, p Point) error {
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
				Payload: encodeMeta(p.Meta),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert point %s: %w", p.ID, err)
	}
	return nil
}

// Search performs a nearest-neighbor search scoped by the query's filter.
func (c *Client) Search(ctx context.Context, q Query) ([]Hit, error) {
	req := &pb.SearchPoints{
		CollectionName: c.collection,
		Vector:         q.Vector,
		Limit:          q.Limit,
		Filter:         scopeFilter(q.UserID, q.Tags),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if q.ScoreFloor > 0 {
		floor := q.ScoreFloor
		req.ScoreThreshold = &floor
	}

	resp, err := c.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.collection, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			ID:    r.Id.GetUuid(),
			Score: r.Score,
			Meta:  decodeMeta(r.Payload),
		})
	}
	return hits, nil
}

// Delete removes points by id.
func (c *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

// FindByRowID returns the points back-referencing the given relational row.
// Used by the repair pass to re-link or reclaim pending rows.
func (c *Client) FindByRowID(ctx context.Context, rowID int64) ([]Hit, error) {
	limit := uint32(10)
	resp, err := c.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: c.collection,
		Filter:         rowFilter(rowID),
		Limit:          &limit,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("scroll row %d: %w", rowID, err)
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		hits = append(hits, Hit{
			ID:   r.Id.GetUuid(),
			Meta: decodeMeta(r.Payload),
		})
	}
	return hits, nil
}

// DeleteByRowID removes any point back-referencing the given relational row.
func (c *Client) DeleteByRowID(ctx context.Context, rowID int64) error {
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: rowFilter(rowID)},
		},
	})
	if err != nil {
		return fmt.Errorf("delete points for row %d: %w", rowID, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// scopeFilter builds the mandatory user scope plus one must-condition per tag,
// which gives AND semantics across tags.
func scopeFilter(userID string, tags []string) *pb.Filter {
	must := []*pb.Condition{keywordCondition("user_id", userID)}
	for _, tag := range tags {
		must = append(must, keywordCondition("tags", tag))
	}
	return &pb.Filter{Must: must}
}

func rowFilter(rowID int64) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{
						Key: "row_id",
						Match: &pb.Match{
							MatchValue: &pb.Match_Integer{Integer: rowID},
						},
					},
				},
			},
		},
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func encodeMeta(m PointMeta) map[string]*pb.Value {
	tagValues := make([]*pb.Value, len(m.Tags))
	for i, t := range m.Tags {
		tagValues[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: t}}
	}
	return map[string]*pb.Value{
		"row_id":     {Kind: &pb.Value_IntegerValue{IntegerValue: m.RowID}},
		"user_id":    {Kind: &pb.Value_StringValue{StringValue: m.UserID}},
		"session_id": {Kind: &pb.Value_StringValue{StringValue: m.SessionID}},
		"agent_name": {Kind: &pb.Value_StringValue{StringValue: m.AgentName}},
		"tags":       {Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: tagValues}}},
	}
}

func decodeMeta(payload map[string]*pb.Value) PointMeta {
	m := PointMeta{
		RowID:     payload["row_id"].GetIntegerValue(),
		UserID:    payload["user_id"].GetStringValue(),
		SessionID: payload["session_id"].GetStringValue(),
		AgentName: payload["agent_name"].GetStringValue(),
	}
	for _, v := range payload["tags"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			m.Tags = append(m.Tags, s)
		}
	}
	return m
}
