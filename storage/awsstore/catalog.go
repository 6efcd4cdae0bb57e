// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package awsstore

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
	"github.com/poiesic/stockpile/core"
	"github.com/poiesic/stockpile/storage"
)

// catalogRow is the DynamoDB item layout; "id" is the partition key.
type catalogRow struct {
	ID          string  `dynamodbav:"id"`
	Title       string  `dynamodbav:"title"`
	Description string  `dynamodbav:"description"`
	Price       float64 `dynamodbav:"price"`
	Count       int64   `dynamodbav:"count"`
}

// CatalogRepository stores catalog items in a DynamoDB table.
type CatalogRepository struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

var _ storage.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository creates a repository for table.
func NewCatalogRepository(client dynamodbiface.DynamoDBAPI, table string) (*CatalogRepository, error) {
	if client == nil {
		return nil, errors.New("missing dynamodb client")
	}
	if table == "" {
		return nil, errors.New("table name is required")
	}
	return &CatalogRepository{client: client, table: table}, nil
}

// Upsert writes the whole item.
func (r *CatalogRepository) Upsert(ctx context.Context, item *core.CatalogItem) error {
	if item == nil || item.ID == "" {
		return errors.Wrap(storage.ErrInvalidQuery, "catalog item requires an id")
	}
	av, err := dynamodbattribute.MarshalMap(catalogRow(*item))
	if err != nil {
		return errors.Wrapf(storage.ErrSerializationFailed, "marshaling item %s: %v", item.ID, err)
	}
	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item:      av,
	})
	if err != nil {
		return translate(err, "putting item %s", item.ID)
	}
	return nil
}

// Get reads an item with a consistent read.
func (r *CatalogRepository) Get(ctx context.Context, id string) (*core.CatalogItem, error) {
	out, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {S: aws.String(id)},
		},
	})
	if err != nil {
		return nil, translate(err, "getting item %s", id)
	}
	if len(out.Item) == 0 {
		return nil, storage.ErrNotFound
	}
	var row catalogRow
	if err := dynamodbattribute.UnmarshalMap(out.Item, &row); err != nil {
		return nil, errors.Wrapf(storage.ErrSerializationFailed, "unmarshaling item %s: %v", id, err)
	}
	item := core.CatalogItem(row)
	return &item, nil
}

// Scan pages through the whole table. Order is whatever DynamoDB returns.
func (r *CatalogRepository) Scan(ctx context.Context, fn func(*core.CatalogItem) error) error {
	var fnErr error
	err := r.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(r.table),
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var rows []catalogRow
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			fnErr = errors.Wrapf(storage.ErrSerializationFailed, "unmarshaling scan page: %v", err)
			return false
		}
		for _, row := range rows {
			item := core.CatalogItem(row)
			if err := fn(&item); err != nil {
				fnErr = err
				return false
			}
		}
		return true
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return translate(err, "scanning %s", r.table)
	}
	return nil
}
