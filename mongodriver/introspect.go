package mongodriver

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// DefaultSampleSize is the number of documents Describe samples
const DefaultSampleSize = 100

// FieldInfo describes a discovered field.
type FieldInfo struct {
	Name     string `json:"name"`
	BSONType string `json:"bson_type"`
	Required bool   `json:"required"`
	IsArray  bool   `json:"is_array"`
}

// Describe discovers the fields of a collection from its JSON Schema
// validator, if any, and from a random sample of its documents. Validator
// fields win over sampled ones. The result is sorted by name.
func (c *Conn) Describe(ctx context.Context, db, collection string, sampleSize int) ([]FieldInfo, error) {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	d := c.client.Database(db)

	schema, err := validatorFields(ctx, d, collection)
	if err != nil {
		return nil, err
	}
	sampled, err := sampleFields(ctx, d.Collection(collection), sampleSize)
	if err != nil {
		return nil, err
	}

	fields := mergeFields(schema, sampled)
	out := make([]FieldInfo, 0, len(fields))
	for _, f := range fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ServerVersion returns the version string reported by buildInfo
func (c *Conn) ServerVersion(ctx context.Context) (string, error) {
	var result bson.M
	err := c.client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&result)
	if err != nil {
		return "", fmt.Errorf("mongodriver: buildInfo: %w", err)
	}
	v, _ := result["version"].(string)
	return v, nil
}

func validatorFields(ctx context.Context, db *mongo.Database, collName string) (map[string]FieldInfo, error) {
	fields := make(map[string]FieldInfo)

	cursor, err := db.ListCollections(ctx, bson.D{{Key: "name", Value: collName}})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list collections: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	if !cursor.Next(ctx) {
		return fields, cursor.Err()
	}

	var collInfo struct {
		Options struct {
			Validator struct {
				JSONSchema struct {
					Properties map[string]struct {
						BSONType any `bson:"bsonType"`
					} `bson:"properties"`
					Required []string `bson:"required"`
				} `bson:"$jsonSchema"`
			} `bson:"validator"`
		} `bson:"options"`
	}

	if err := cursor.Decode(&collInfo); err != nil {
		return nil, fmt.Errorf("mongodriver: decode collection info: %w", err)
	}

	required := make(map[string]bool)
	for _, r := range collInfo.Options.Validator.JSONSchema.Required {
		required[r] = true
	}

	for name, prop := range collInfo.Options.Validator.JSONSchema.Properties {
		t := normalizeBSONType(prop.BSONType)
		fields[name] = FieldInfo{
			Name:     name,
			BSONType: t,
			Required: required[name],
			IsArray:  t == "array",
		}
	}
	return fields, nil
}

func sampleFields(ctx context.Context, coll *mongo.Collection, size int) (map[string]FieldInfo, error) {
	fields := make(map[string]FieldInfo)

	pipeline := bson.A{
		bson.D{{Key: "$sample", Value: bson.D{{Key: "size", Value: size}}}},
	}

	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: sample: %w", err)
	}
	defer cursor.Close(ctx) //nolint:errcheck

	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		for key, val := range doc {
			if _, ok := fields[key]; ok {
				continue
			}
			t := inferBSONType(val)
			fields[key] = FieldInfo{
				Name:     key,
				BSONType: t,
				Required: key == "_id",
				IsArray:  t == "array",
			}
		}
	}
	return fields, cursor.Err()
}

// inferBSONType names the BSON type of a decoded value
func inferBSONType(v any) string {
	if v == nil {
		return "null"
	}

	switch v.(type) {
	case bson.ObjectID:
		return "objectId"
	case string:
		return "string"
	case int32:
		return "int"
	case int, int64:
		return "long"
	case float32, float64:
		return "double"
	case bson.Decimal128:
		return "decimal"
	case bool:
		return "bool"
	case bson.DateTime:
		return "date"
	case bson.A, []any:
		return "array"
	case bson.Binary:
		return "binData"
	case bson.D, bson.M, map[string]any:
		return "object"
	}

	rt := reflect.TypeOf(v)
	switch rt.Kind() {
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	}
	return "string"
}

// normalizeBSONType handles bsonType being a string or an array of them
func normalizeBSONType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bson.A:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return "string"
}

// mergeFields combines validator and sampled fields, validator first
func mergeFields(schema, discovered map[string]FieldInfo) map[string]FieldInfo {
	result := make(map[string]FieldInfo, len(schema)+len(discovered))
	for k, v := range schema {
		result[k] = v
	}
	for k, v := range discovered {
		if _, ok := result[k]; !ok {
			result[k] = v
		}
	}
	return result
}
