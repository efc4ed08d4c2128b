package rpc

import "context"

// Thin wrappers over the OneBot action set the runtime uses. Each returns
// the raw Response so callers can read retcode and data.

func (g *Gateway) SendGroupMsg(ctx context.Context, groupID int64, message string) (*Response, error) {
	return g.Call(ctx, "send_group_msg", map[string]any{"group_id": groupID, "message": message})
}

func (g *Gateway) SendPrivateMsg(ctx context.Context, userID int64, message string) (*Response, error) {
	return g.Call(ctx, "send_private_msg", map[string]any{"user_id": userID, "message": message})
}

func (g *Gateway) DeleteMsg(ctx context.Context, messageID int32) (*Response, error) {
	return g.Call(ctx, "delete_msg", map[string]any{"message_id": messageID})
}

func (g *Gateway) SetGroupKick(ctx context.Context, groupID, userID int64, rejectAddRequest bool) (*Response, error) {
	return g.Call(ctx, "set_group_kick", map[string]any{
		"group_id": groupID, "user_id": userID, "reject_add_request": rejectAddRequest,
	})
}

func (g *Gateway) SetGroupBan(ctx context.Context, groupID, userID, durationS int64) (*Response, error) {
	return g.Call(ctx, "set_group_ban", map[string]any{
		"group_id": groupID, "user_id": userID, "duration": durationS,
	})
}

func (g *Gateway) SetFriendAddRequest(ctx context.Context, flag string, approve bool) (*Response, error) {
	return g.Call(ctx, "set_friend_add_request", map[string]any{"flag": flag, "approve": approve})
}

func (g *Gateway) SetGroupAddRequest(ctx context.Context, flag, subType string, approve bool) (*Response, error) {
	return g.Call(ctx, "set_group_add_request", map[string]any{
		"flag": flag, "sub_type": subType, "approve": approve,
	})
}

func (g *Gateway) GetLoginInfo(ctx context.Context) (*Response, error) {
	return g.Call(ctx, "get_login_info", nil)
}

func (g *Gateway) GetGroupMemberList(ctx context.Context, groupID int64) (*Response, error) {
	return g.Call(ctx, "get_group_member_list", map[string]any{"group_id": groupID})
}

func (g *Gateway) GetStatus(ctx context.Context) (*Response, error) {
	return g.Call(ctx, "get_status", nil)
}

func (g *Gateway) GetVersionInfo(ctx context.Context) (*Response, error) {
	return g.Call(ctx, "get_version_info", nil)
}
