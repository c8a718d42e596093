package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stageflow/internal/testutil"
	"github.com/petrijr/stageflow/pkg/api"
)

const mongoTestDB = "stageflow_test"

type MongoStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	store  *MongoStore
}

func TestMongoStoreTestSuite(t *testing.T) {
	uri := testutil.MongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})
	require.NoError(t, client.Ping(ctx, nil))

	suite.Run(t, &MongoStoreTestSuite{
		client: client,
		store:  NewMongoStore(client, mongoTestDB),
	})
}

func (m *MongoStoreTestSuite) SetupTest() {
	m.NoError(m.client.Database(mongoTestDB).Drop(context.Background()))
}

func (m *MongoStoreTestSuite) TestConformance() {
	testStore(m.T(), m.store)
}

func (m *MongoStoreTestSuite) TestDuplicateSave() {
	ctx := context.Background()
	m.NoError(m.store.SaveRun(ctx, &api.RunRecord{ID: "dup", Workflow: "wf", Status: api.StatusRunning}))
	m.ErrorIs(m.store.SaveRun(ctx, &api.RunRecord{ID: "dup", Workflow: "wf", Status: api.StatusRunning}), ErrRunExists)
}
